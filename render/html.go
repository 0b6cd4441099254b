package render

import (
	"context"
	"html/template"
	"io"
	"strings"

	"github.com/a-h/templ"

	"node.town/tarjama/session"
	"node.town/tarjama/transcript"
)

var pages = template.Must(template.New("").Funcs(template.FuncMap{
	"badge": languageBadge,
	"lower": strings.ToLower,
	"scope": func(v view, seg transcript.Segment) view {
		v.Segment = seg
		return v
	},
}).Parse(`
{{define "segment"}}
<article class="segment" lang="{{.Segment.LanguageCode}}">
<header><time>{{.Segment.Timestamp}}</time> <strong class="speaker">{{.Segment.Speaker}}</strong> <span class="badge language">{{badge .Segment}}</span>
{{- with .Segment.Emotion}} <span class="badge emotion emotion-{{lower (print .)}}">{{$.Labels.Emotion .}}</span>{{end -}}
</header>
<p class="content" dir="auto">{{.Segment.Content}}</p>
{{- with .Segment.Translation}}
<p class="translation" dir="auto"><span>{{$.Labels.Get "translation"}}:</span> {{.}}</p>
{{- end}}
</article>
{{end}}

{{define "result"}}
<section class="result">
{{- with .Result.Summary}}
<h2>{{$.Labels.Get "summary"}}</h2><p class="summary" dir="auto">{{.}}</p>
{{- end}}
<h2>{{.Labels.Get "segments"}}</h2>
{{- range .Result.Segments}}
{{template "segment" (scope $ .)}}
{{- else}}
<p class="empty">{{$.Labels.Get "no_segments"}}</p>
{{- end}}
</section>
{{end}}

{{define "session"}}
<div id="session" data-state="{{.Session.State}}">
<p class="status">{{.Status}}</p>
{{- if .Loading}}
<progress max="1" value="{{printf "%.2f" .Session.Progress}}"></progress>
{{- end}}
{{- if not .Session.Live.Empty}}
<section class="live"><h2>{{.Labels.Get "live"}}</h2><p dir="auto">{{.Session.Live.Final}}<span class="interim">{{.Session.Live.Interim}}</span></p></section>
{{- end}}
{{- with .Failure}}
<section class="error"><p>{{$.Labels.ErrorKind .Kind}}</p>
{{- if .Retryable}}
<button data-action="retry" data-engine="{{$.Session.Engine}}">{{$.Labels.Get "retry"}}</button>
{{- end}}
{{- if .Fallback}}
<button data-action="retry" data-engine="local">{{$.Labels.Get "use_local"}}</button>
{{- end}}
</section>
{{- end}}
{{- if .Result}}
{{template "result" .}}
{{- end}}
</div>
{{end}}

{{define "page"}}<!doctype html>
<html lang="{{.Locale}}" dir="{{.Labels.Dir}}">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Labels.Get "title"}}</title>
</head>
<body>
<header><h1>{{.Labels.Get "title"}}</h1></header>
<main>
<form id="controls">
<button type="button" data-action="record/start">{{.Labels.Get "record"}}</button>
<button type="button" data-action="record/stop">{{.Labels.Get "stop"}}</button>
<label>{{.Labels.Get "upload"}} <input type="file" name="file" accept="audio/*,video/webm"></label>
<select name="engine"><option value="cloud">Gemini</option><option value="local">Whisper</option></select>
<select name="lang"><option value="en-US">English</option><option value="ar-SA">العربية</option></select>
<button type="button" data-action="transcribe">{{.Labels.Get "transcribe"}}</button>
<button type="button" data-action="reset">{{.Labels.Get "reset"}}</button>
</form>
{{template "session" .}}
</main>
<script>{{.Script}}</script>
</body>
</html>
{{end}}
`))

// view is the data every template receives. Fields a template does not
// use stay zero.
type view struct {
	Labels  *Labels
	Result  *transcript.Result
	Segment transcript.Segment

	Session session.Snapshot
	Status  string
	Loading bool
	Failure *session.ErrorInfo

	Locale string
	Script template.JS
}

func sessionData(s session.Snapshot, labels *Labels) view {
	v := view{
		Labels:  labels,
		Session: s,
		Status:  statusText(s, labels),
		Loading: s.State == session.LoadingModel,
	}
	switch {
	case s.State == session.Error && s.Error != nil:
		v.Failure = s.Error
	case s.State == session.Success && s.Result != nil:
		v.Result = s.Result
	}
	return v
}

func component(name string, data view) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		return pages.ExecuteTemplate(w, name, data)
	})
}

// ResultView renders a result as a summary followed by one article per
// segment.
func ResultView(result *transcript.Result, labels *Labels) templ.Component {
	return component("result", view{Labels: labels, Result: result})
}

// SessionView is the part of the page that changes with the session.
func SessionView(s session.Snapshot, labels *Labels) templ.Component {
	return component("session", sessionData(s, labels))
}

// statusText is Status without terminal styling.
func statusText(s session.Snapshot, labels *Labels) string {
	if s.State == session.Error {
		return labels.Get("state.error")
	}
	return Status(s, labels)
}

// Page is the whole single-page interface.
func Page(s session.Snapshot, labels *Labels, locale string) templ.Component {
	v := sessionData(s, labels)
	v.Locale = locale
	v.Script = template.JS(pageScript)
	return component("page", v)
}

const pageScript = `
const form = document.getElementById("controls");
const params = () => new URLSearchParams({engine: form.engine.value, lang: form.lang.value});
async function act(action, engine) {
  const q = params();
  if (engine) q.set("engine", engine);
  await fetch("/api/" + action + "?" + q, {method: "POST"});
}
document.addEventListener("click", (e) => {
  const b = e.target.closest("[data-action]");
  if (b) act(b.dataset.action, b.dataset.engine);
});
form.file.addEventListener("change", async () => {
  const body = new FormData();
  body.append("file", form.file.files[0]);
  await fetch("/api/upload", {method: "POST", body});
});
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/api/live");
ws.onmessage = async () => {
  const res = await fetch("/fragment/session");
  document.getElementById("session").outerHTML = await res.text();
};
`
