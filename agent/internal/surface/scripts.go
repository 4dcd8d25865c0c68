package surface

import (
	"encoding/json"
	"fmt"
)

const (
	scanBinding = "drawrelayScan"
	pushBinding = "drawrelayPush"
)

const pushHelper = "drawrelayPushBatch"

// observerScript reports the initial <img> sources and every source added
// later through the scan binding. It installs itself once per document.
// Page code that already knows the finished batch calls
// window.drawrelayPushBatch(urls) to flush it without waiting to settle.
const observerScript = `(() => {
  if (window.__drawrelayObserver) return;
  window.` + pushHelper + ` = (urls) => {
    if (!Array.isArray(urls) || typeof window.` + pushBinding + ` !== 'function') return false;
    window.` + pushBinding + `(JSON.stringify(urls.filter((u) => typeof u === 'string' && u)));
    return true;
  };
  const report = (srcs) => {
    srcs = srcs.filter(Boolean);
    if (srcs.length && typeof window.` + scanBinding + ` === 'function') {
      window.` + scanBinding + `(JSON.stringify(srcs));
    }
  };
  const collect = (node) => {
    const out = [];
    if (node.tagName === 'IMG' && node.src) out.push(node.src);
    if (node.querySelectorAll) node.querySelectorAll('img').forEach((img) => out.push(img.src));
    return out;
  };
  const start = () => {
    report(Array.from(document.images).map((img) => img.src));
    const observer = new MutationObserver((mutations) => {
      const out = [];
      for (const m of mutations) {
        if (m.type === 'attributes' && m.target.tagName === 'IMG') out.push(m.target.src);
        m.addedNodes.forEach((n) => { if (n.nodeType === 1) out.push(...collect(n)); });
      }
      report(out);
    });
    observer.observe(document.documentElement, {childList: true, subtree: true, attributes: true, attributeFilter: ['src']});
    window.__drawrelayObserver = observer;
  };
  if (document.documentElement) start();
  else document.addEventListener('DOMContentLoaded', start);
})();`

const clearStateScript = `(() => {
  try { localStorage.clear(); } catch (e) {}
  try { sessionStorage.clear(); } catch (e) {}
  return true;
})()`

// setInputScript sets the value through the prototype's native setter so
// framework-controlled inputs notice the change.
func setInputScript(selector, text string) string {
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return false;
  el.focus();
  const desc = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(el), 'value');
  if (desc && desc.set) desc.set.call(el, %s);
  else el.value = %s;
  el.dispatchEvent(new Event('input', {bubbles: true}));
  return true;
})()`, jsString(selector), jsString(text), jsString(text))
}

func submitScript(selector string) string {
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return false;
  const init = {key: 'Enter', code: 'Enter', keyCode: 13, which: 13, bubbles: true, cancelable: true};
  for (const type of ['keydown', 'keypress', 'keyup']) {
    el.dispatchEvent(new KeyboardEvent(type, init));
  }
  return true;
})()`, jsString(selector))
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

// decodeURLList parses a binding payload holding a JSON array of strings.
func decodeURLList(payload string) ([]string, error) {
	var urls []string
	if err := json.Unmarshal([]byte(payload), &urls); err != nil {
		return nil, fmt.Errorf("decode binding payload: %w", err)
	}
	return urls, nil
}
