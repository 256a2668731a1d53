package handler

import (
	"embed"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

var (
	callbackTmpl    = template.Must(template.ParseFS(templateFS, "templates/callback.html"))
	signinErrorTmpl = template.Must(template.ParseFS(templateFS, "templates/signin_error.html"))
)
