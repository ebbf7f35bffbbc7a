package cdp

import _ "embed"

// elementsJS tags every element under <body> and returns []browser.ElementInfo.
//
//go:embed scripts/elements.js
var elementsJS string

// selectJS is a function expression taking (id, value); it returns "" on success.
//
//go:embed scripts/select.js
var selectJS string
