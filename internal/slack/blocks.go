package slack

import "encoding/json"

// TextFromBlocks extracts the plain text carried by a Slack rich-text block
// structure. Accepts the decoded block array or its JSON string form; any
// other input yields "".
func TextFromBlocks(blocks interface{}) string {
	arr := blockArray(blocks)
	if arr == nil {
		return ""
	}

	var texts []string
	var visit func(node interface{})
	visit = func(node interface{}) {
		m, ok := node.(map[string]interface{})
		if !ok {
			return
		}
		switch m["type"] {
		case "text":
			if text, ok := m["text"].(string); ok {
				texts = append(texts, text)
			}
		case "rich_text_section":
			if children, ok := m["elements"].([]interface{}); ok {
				for _, child := range children {
					visit(child)
				}
			}
		}
	}

	for _, block := range arr {
		m, ok := block.(map[string]interface{})
		if !ok {
			continue
		}
		elements, ok := m["elements"].([]interface{})
		if !ok {
			continue
		}
		for _, node := range elements {
			visit(node)
		}
	}

	out := ""
	for _, t := range texts {
		out += t
	}
	return out
}

func blockArray(blocks interface{}) []interface{} {
	switch v := blocks.(type) {
	case []interface{}:
		return v
	case string:
		var decoded interface{}
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			return nil
		}
		arr, _ := decoded.([]interface{})
		return arr
	default:
		return nil
	}
}
