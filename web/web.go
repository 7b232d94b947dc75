// Package web embeds the built frontend for production serving, mirroring
// the teacher's web/web.go embed of its Vite dist output.
package web

import "embed"

//go:embed all:dist
var StaticFiles embed.FS
