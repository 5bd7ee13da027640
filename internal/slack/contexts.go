package slack

import (
	"sync"

	"github.com/go-rod/rod/lib/proto"
)

// frameContexts tracks the execution contexts known for a single frame.
// A zero context id means the slot is unoccupied.
type frameContexts struct {
	def      proto.RuntimeExecutionContextID
	isolated proto.RuntimeExecutionContextID
	other    []proto.RuntimeExecutionContextID
}

// contextRegistry is built incrementally from execution-context lifecycle
// notifications so UI evaluation can target the right scope per frame.
type contextRegistry struct {
	mu            sync.Mutex
	byFrame       map[proto.PageFrameID]*frameContexts
	frameByID     map[proto.RuntimeExecutionContextID]proto.PageFrameID
	globalDefault proto.RuntimeExecutionContextID
}

func newContextRegistry() *contextRegistry {
	return &contextRegistry{
		byFrame:   map[proto.PageFrameID]*frameContexts{},
		frameByID: map[proto.RuntimeExecutionContextID]proto.PageFrameID{},
	}
}

func (r *contextRegistry) noteCreated(desc *proto.RuntimeExecutionContextDescription) {
	if desc == nil || desc.ID == 0 {
		return
	}

	frameID := proto.PageFrameID("")
	ctxType := ""
	isDefault := false
	if desc.AuxData != nil {
		if v, ok := desc.AuxData["frameId"]; ok {
			frameID = proto.PageFrameID(v.Str())
		}
		if v, ok := desc.AuxData["type"]; ok {
			ctxType = v.Str()
		}
		if v, ok := desc.AuxData["isDefault"]; ok {
			isDefault = v.Bool()
		}
	}
	if ctxType == "default" {
		isDefault = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if frameID != "" {
		info := r.byFrame[frameID]
		if info == nil {
			info = &frameContexts{}
			r.byFrame[frameID] = info
		}
		switch {
		case isDefault:
			info.def = desc.ID
			r.globalDefault = desc.ID
		case ctxType == "isolated":
			info.isolated = desc.ID
		default:
			if !containsContext(info.other, desc.ID) {
				info.other = append(info.other, desc.ID)
			}
		}
	} else if isDefault {
		r.globalDefault = desc.ID
	}
	r.frameByID[desc.ID] = frameID
}

func (r *contextRegistry) noteDestroyed(id proto.RuntimeExecutionContextID) {
	if id == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if frameID, ok := r.frameByID[id]; ok && frameID != "" {
		if info := r.byFrame[frameID]; info != nil {
			if info.def == id {
				info.def = 0
			}
			if info.isolated == id {
				info.isolated = 0
			}
			remaining := info.other[:0]
			for _, other := range info.other {
				if other != id {
					remaining = append(remaining, other)
				}
			}
			info.other = remaining
			if info.def == 0 && info.isolated == 0 && len(info.other) == 0 {
				delete(r.byFrame, frameID)
			}
		}
	}
	delete(r.frameByID, id)
	if r.globalDefault == id {
		r.globalDefault = 0
	}
}

// resolve returns the evaluation candidates for a frame in preference order:
// frame default, frame isolated, other frame contexts, the global default,
// and finally zero, meaning no explicit context.
func (r *contextRegistry) resolve(frameID proto.PageFrameID) []proto.RuntimeExecutionContextID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []proto.RuntimeExecutionContextID
	if frameID != "" {
		if info := r.byFrame[frameID]; info != nil {
			if info.def != 0 {
				result = append(result, info.def)
			}
			if info.isolated != 0 && !containsContext(result, info.isolated) {
				result = append(result, info.isolated)
			}
			for _, other := range info.other {
				if !containsContext(result, other) {
					result = append(result, other)
				}
			}
		}
	}
	if r.globalDefault != 0 && !containsContext(result, r.globalDefault) {
		result = append(result, r.globalDefault)
	}
	return append(result, 0)
}

func containsContext(ids []proto.RuntimeExecutionContextID, id proto.RuntimeExecutionContextID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
