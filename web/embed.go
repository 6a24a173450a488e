package web

import "embed"

// FS contains the embedded live-plot UI (HTML, CSS, JS).
//
//go:embed *.html *.css *.js
var FS embed.FS
