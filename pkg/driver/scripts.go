package driver

// Page-context implementations of each Op. Every script receives
// (selector, name, text, checked, x, y) and returns {found, missing, value}.
var scripts = map[Op]string{
	OpCount: `function (sel) {
	return { found: true, value: document.querySelectorAll(sel).length };
}`,

	OpText: `function (sel) {
	var el = document.querySelector(sel);
	if (!el) { return { found: false, missing: "element" }; }
	return { found: true, value: el.textContent };
}`,

	OpHTML: `function (sel) {
	var el = document.querySelector(sel);
	if (!el) { return { found: false, missing: "element" }; }
	return { found: true, value: el.innerHTML };
}`,

	OpAttribute: `function (sel, name) {
	var el = document.querySelector(sel);
	if (!el) { return { found: false, missing: "element" }; }
	if (!el.hasAttribute(name)) { return { found: false, missing: "attribute" }; }
	return { found: true, value: el.getAttribute(name) };
}`,

	OpValue: `function (sel) {
	var el = document.querySelector(sel);
	if (!el) { return { found: false, missing: "element" }; }
	return { found: true, value: el.value === undefined ? null : el.value };
}`,

	OpVisible: `function (sel) {
	var el = document.querySelector(sel);
	if (!el) { return { found: true, value: false }; }
	var style = window.getComputedStyle(el);
	var boxed = el.offsetWidth > 0 || el.offsetHeight > 0 || el.getClientRects().length > 0;
	return { found: true, value: boxed && style.visibility !== "hidden" && style.display !== "none" };
}`,

	OpTitle: `function () {
	return { found: true, value: document.title };
}`,

	OpURL: `function () {
	return { found: true, value: window.location.href };
}`,

	OpClick: `function (sel) {
	var el = document.querySelector(sel);
	if (!el) { return { found: false, missing: "element" }; }
	el.click();
	return { found: true };
}`,

	OpType: `function (sel, name, text) {
	var el = document.querySelector(sel);
	if (!el) { return { found: false, missing: "element" }; }
	el.focus();
	for (var i = 0; i < text.length; i++) {
		var key = text.charAt(i);
		el.dispatchEvent(new KeyboardEvent("keydown", { key: key, bubbles: true }));
		el.dispatchEvent(new KeyboardEvent("keypress", { key: key, bubbles: true }));
		el.value = (el.value || "") + key;
		el.dispatchEvent(new Event("input", { bubbles: true }));
		el.dispatchEvent(new KeyboardEvent("keyup", { key: key, bubbles: true }));
	}
	el.dispatchEvent(new Event("change", { bubbles: true }));
	return { found: true };
}`,

	OpFill: `function (sel, name, text) {
	var el = document.querySelector(sel);
	if (!el) { return { found: false, missing: "element" }; }
	el.focus();
	el.value = text;
	el.dispatchEvent(new Event("input", { bubbles: true }));
	el.dispatchEvent(new Event("change", { bubbles: true }));
	return { found: true };
}`,

	OpSelect: `function (sel, name, text) {
	var el = document.querySelector(sel);
	if (!el) { return { found: false, missing: "element" }; }
	var match = Array.prototype.some.call(el.options || [], function (o) { return o.value === text; });
	if (!match) { return { found: false, missing: "option" }; }
	el.value = text;
	el.dispatchEvent(new Event("change", { bubbles: true }));
	return { found: true };
}`,

	OpCheck: `function (sel, name, text, checked) {
	var el = document.querySelector(sel);
	if (!el) { return { found: false, missing: "element" }; }
	if (el.checked !== checked) {
		el.checked = checked;
		el.dispatchEvent(new Event("change", { bubbles: true }));
	}
	return { found: true };
}`,

	OpSubmit: `function (sel) {
	var el = document.querySelector(sel);
	if (!el) { return { found: false, missing: "element" }; }
	var form = el.tagName === "FORM" ? el : el.form;
	if (!form) { return { found: false, missing: "element" }; }
	if (form.requestSubmit) { form.requestSubmit(); } else { form.submit(); }
	return { found: true };
}`,

	OpScrollTo: `function (sel) {
	var el = document.querySelector(sel);
	if (!el) { return { found: false, missing: "element" }; }
	el.scrollIntoView();
	return { found: true };
}`,

	OpScroll: `function (sel, name, text, checked, x, y) {
	window.scrollTo(x, y);
	return { found: true };
}`,
}

// Script returns the page-context source implementing op.
func Script(op Op) (string, bool) {
	s, ok := scripts[op]
	return s, ok
}
