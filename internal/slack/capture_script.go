package slack

// Selector sets handed to the capture script. Slack's client markup shifts
// between releases, so several generations of message container, body, and
// channel-header selectors are tried in order.
var (
	captureRootSelectors = []string{
		"[data-message-ts]",
		"[data-message-id]",
		`[data-qa="message"]`,
		`[data-qa="message_container"]`,
		`[data-qa="virtual-list-item"]`,
		`[data-qa='message-pane-body'] [role='row']`,
		".p-message_pane_message",
		".c-message_kit__message",
		".p-threads_view__thread_container [role='presentation']",
	}

	captureBodySelectors = []string{
		`[data-qa="message_content"]`,
		`[data-qa="message-text"]`,
		".p-rich_text_section",
		".c-message__body",
		".p-message_pane_message__message",
		".p-threads_view__thread_message_body",
		".c-message_kit__text",
		".p-rich_text_block",
	}

	captureChannelSelectors = []string{
		`[data-qa="channel_name_text"]`,
		".p-top_nav__channel_header__name",
		".p-top_nav__conversation_title__name",
		".p-classic_nav__model__title__name",
		".p-ia__channel_header__info .p-ia__channel_header__name",
		".p-workspace_name",
		`[data-qa='channel_context_bar_channel_name']`,
	}
)

// captureScript locates a rendered message matching one of the timestamp
// needles and returns its visible text plus channel info. Input contract:
// (tsList, {root, body, channel}, debugMode). Output contract: either
// {text, channel, channelId, matchedTs} or a tagged failure
// {status: "no-ts" | "no-target" | "empty-text", ...diagnostics}. Errors are
// returned as {error}, never thrown.
const captureScript = `(function (tsList, selectors, debugMode) {
  try {
    const toArray = (value) => {
      if (Array.isArray(value)) return value;
      return value == null ? [] : [value];
    };
    const needles = toArray(tsList)
      .map((value) => (typeof value === "string" ? value : String(value ?? "")))
      .map((value) => value.trim())
      .filter((value) => value.length > 0);
    if (needles.length === 0) {
      return { status: "no-ts" };
    }
    const rootSelectors = Array.isArray(selectors?.root) ? selectors.root : [];
    const bodySelectors = Array.isArray(selectors?.body) ? selectors.body : [];
    const channelSelectors = Array.isArray(selectors?.channel) ? selectors.channel : [];
    const nodes = [];
    const seen = new Set();
    const pushNode = (node) => {
      if (!node || typeof node !== "object") return;
      if (node.nodeType !== 1) return;
      if (seen.has(node)) return;
      seen.add(node);
      nodes.push(node);
    };
    const ensureNodes = (selector) => {
      if (!selector || typeof selector !== "string") return;
      try {
        document.querySelectorAll(selector).forEach((node) => pushNode(node));
      } catch (err) {}
    };
    for (const selector of rootSelectors) {
      ensureNodes(selector);
    }
    if (nodes.length === 0) {
      ensureNodes("[data-message-id]");
      ensureNodes("[data-message-ts]");
      ensureNodes(".c-message_kit__message");
      ensureNodes(".p-message_pane_message");
      ensureNodes(".c-virtual_list__item");
      ensureNodes("[data-qa='virtual-list-item']");
    }
    const attr = (element, name) => {
      if (!element || typeof element.getAttribute !== "function") return "";
      const value = element.getAttribute(name);
      return typeof value === "string" ? value : "";
    };
    const registerValue = (set, value) => {
      if (typeof value === "string" && value.length > 0) set.add(value);
    };
    const collectTs = (element) => {
      const values = new Set();
      const queue = [];
      const visited = new Set();
      if (element) queue.push(element);
      while (queue.length > 0) {
        const current = queue.shift();
        if (!current || typeof current !== "object") continue;
        if (visited.has(current)) continue;
        visited.add(current);
        if (current.nodeType !== 1) continue;
        registerValue(values, attr(current, "data-message-ts"));
        registerValue(values, attr(current, "data-message-id"));
        registerValue(values, attr(current, "data-message-ts-normalized"));
        registerValue(values, attr(current, "data-ts"));
        registerValue(values, attr(current, "data-qa-ts"));
        registerValue(values, attr(current, "data-qa-message-id"));
        registerValue(values, attr(current, "data-sort-key"));
        if (current.dataset) {
          for (const key of Object.keys(current.dataset)) {
            const value = current.dataset[key];
            if (typeof value === "string" && value) registerValue(values, value);
          }
        }
        if (current.matches && current.matches("time[datetime]")) {
          registerValue(values, attr(current, "datetime"));
        }
        if (typeof current.querySelectorAll === "function") {
          current
            .querySelectorAll("[data-message-ts],[data-message-id],[data-ts],[data-qa-ts],time[datetime]")
            .forEach((child) => queue.push(child));
        }
      }
      return Array.from(values);
    };
    const matchesNeedle = (value) =>
      typeof value === "string" && needles.some((needle) => value.includes(needle));
    const cleanupSelectors = [
      "[data-qa='message_reactions']",
      "[data-qa='message-reactions']",
      "[data-qa='message_actions']",
      "[data-qa='add-reaction']",
      "[data-qa='more_message_actions']",
      ".c-reaction",
      ".c-reaction_bar",
      ".c-message_kit__reaction",
      ".c-message_kit__reaction_bar",
      ".c-message_kit__actions",
      ".p-message_pane_message__actions",
    ];
    const sanitizeNode = (node) => {
      if (!node || typeof node.cloneNode !== "function") return node;
      const clone = node.cloneNode(true);
      for (const selector of cleanupSelectors) {
        try {
          clone.querySelectorAll(selector).forEach((element) => element.remove());
        } catch (err) {}
      }
      return clone;
    };
    const describeNode = (node, index) => {
      if (!node || typeof node !== "object") return null;
      const tag = typeof node.tagName === "string" ? node.tagName.toLowerCase() : null;
      const classes =
        typeof node.className === "string" && node.className.length > 0
          ? node.className.split(/\s+/).filter(Boolean).slice(0, 10)
          : [];
      const attrs = {};
      if (node.attributes && typeof node.attributes === "object") {
        const list = Array.from(node.attributes).slice(0, 10);
        for (const entry of list) {
          if (entry && typeof entry.name === "string") {
            attrs[entry.name] = String(entry.value ?? "").slice(0, 160);
          }
        }
      }
      const dataset = {};
      if (node.dataset && typeof node.dataset === "object") {
        const keys = Object.keys(node.dataset).slice(0, 10);
        for (const key of keys) {
          dataset[key] = String(node.dataset[key] ?? "").slice(0, 160);
        }
      }
      let datetime = null;
      if (typeof node.querySelector === "function") {
        const timeNode = node.querySelector("time[datetime]");
        if (timeNode && typeof timeNode.getAttribute === "function") {
          datetime = timeNode.getAttribute("datetime");
        }
      }
      const text =
        typeof node.innerText === "string"
          ? node.innerText.trim().slice(0, 120)
          : typeof node.textContent === "string"
            ? node.textContent.trim().slice(0, 120)
            : null;
      return { index, tag, classes, attrs, dataset, datetime, text };
    };
    const collectSampleTs = () => {
      if (!debugMode) return undefined;
      const sample = [];
      for (const node of nodes) {
        for (const value of collectTs(node)) {
          if (!sample.includes(value)) sample.push(value);
          if (sample.length >= 12) break;
        }
        if (sample.length >= 12) break;
      }
      return sample;
    };
    const collectSamples = () => {
      if (!debugMode) return undefined;
      const result = [];
      const limit = Math.min(nodes.length, 5);
      for (let i = 0; i < limit; i += 1) {
        const described = describeNode(nodes[i], i);
        if (described) result.push(described);
      }
      return result;
    };
    const findTarget = () => {
      for (const node of nodes) {
        const values = collectTs(node);
        if (values.some(matchesNeedle)) return node;
      }
      return null;
    };
    let target = findTarget();
    if (!target) {
      ensureNodes("[data-message-id]");
      ensureNodes("[data-message-ts]");
      ensureNodes("[data-qa='message']");
      ensureNodes("[data-qa='message_container']");
      ensureNodes(".c-message_kit__message");
      ensureNodes(".p-message_pane_message");
      target = findTarget();
    }
    if (!target) {
      return {
        status: "no-target",
        needles,
        candidateCount: nodes.length,
        sampleTs: collectSampleTs(),
        samples: collectSamples(),
      };
    }
    let body = null;
    for (const selector of bodySelectors) {
      try {
        const found = target.querySelector(selector);
        if (found) {
          body = found;
          if (found.innerText && found.innerText.trim().length > 0) break;
        }
      } catch (err) {}
    }
    const source = body || target;
    const sanitized = sanitizeNode(source);
    const rawText = sanitized?.innerText || sanitized?.textContent || "";
    const text = typeof rawText === "string" ? rawText.trim() : "";
    if (!text) {
      return {
        status: "empty-text",
        needles,
        hasBody: Boolean(body),
        matchedTs: collectTs(target),
        samples: collectSamples(),
      };
    }
    let channelName = null;
    let channelId = null;
    const headerNode = (body || target)?.closest(
      "[data-qa='message_container'], .p-message_pane_message, .p-threads_view__thread_message"
    );
    if (headerNode) {
      channelId = attr(headerNode, "data-qa-channel-id") || attr(headerNode, "data-qa-conversation-id");
    }
    for (const selector of channelSelectors) {
      try {
        const found = document.querySelector(selector);
        if (found && typeof found.textContent === "string") {
          const value = found.textContent.trim();
          if (value) {
            channelName = value;
            break;
          }
        }
      } catch (err) {}
    }
    if (!channelName) {
      try {
        const inline = document.querySelector(
          "[data-qa='inline_channel_entity'][data-channel-id] [data-qa='inline_channel_entity__name']"
        );
        if (inline && typeof inline.textContent === "string") {
          channelName = inline.textContent.trim();
          const owner = inline.closest("[data-qa='inline_channel_entity']");
          if (owner && typeof owner.getAttribute === "function") {
            const inlineId = owner.getAttribute("data-channel-id");
            if (inlineId) {
              channelId = inlineId;
            }
          }
        }
      } catch (err) {}
    }
    return {
      text,
      channel: channelName,
      channelId,
      matchedTs: collectTs(target),
    };
  } catch (err) {
    return {
      error: typeof err === "object" && err && err.message ? err.message : String(err),
    };
  }
})`

// probeScript inspects the page environment once at startup when probe
// debugging is enabled.
const probeScript = `(() => {
  try {
    if (typeof window !== "object") {
      return { ok: false, reason: "no-window" };
    }
    const ready = typeof document === "object" ? document.readyState : "unknown";
    const title = typeof document?.title === "string" ? document.title : null;
    const href = typeof window.location?.href === "string" ? window.location.href : null;
    const slackPresent = Boolean(window.TS);
    return { ok: true, ready, title, href, slackPresent, timestamp: Date.now() };
  } catch (err) {
    return { ok: false, reason: String(err) };
  }
})()`
