package report

import "html/template"

var pageTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Calendar Sync Report</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; background: #f8fafc; color: #1e293b; padding: 2rem; max-width: 860px; margin: 0 auto; }
  h1 { font-size: 1.5rem; margin-bottom: .25rem; }
  .subtitle { color: #64748b; margin-bottom: 1.5rem; font-size: .9rem; }
  .card { background: white; border-radius: 8px; box-shadow: 0 1px 3px rgba(0,0,0,.1); margin-bottom: .75rem; overflow: hidden; display: flex; }
  .thumb { width: 180px; flex-shrink: 0; object-fit: contain; }
  .thumb-placeholder { background: #e2e8f0; }
  .card-content { flex: 1; min-width: 0; }
  .card-header { padding: .75rem 1rem .5rem; display: flex; justify-content: space-between; align-items: start; gap: .5rem; }
  .card-header h2 { font-size: .95rem; font-weight: 600; }
  .card-header h2 a { color: #1e293b; text-decoration: none; }
  .badge { display: inline-block; color: white; font-size: .7rem; font-weight: 600; padding: 2px 8px; border-radius: 4px; white-space: nowrap; }
  .review { background: #eab308; }
  .card-body { padding: 0 1rem .5rem; }
  .event-details { font-size: .8rem; color: #475569; margin-bottom: .35rem; }
  .event-details a { color: #2563eb; text-decoration: none; }
  .reasoning { font-size: .85rem; color: #334155; white-space: pre-wrap; }
  .error { font-size: .8rem; color: #b91c1c; white-space: pre-wrap; }
  .card-footer { padding: .5rem 1rem; background: #f8fafc; font-size: .75rem; color: #64748b; display: flex; flex-wrap: wrap; gap: .25rem 1.25rem; border-top: 1px solid #e2e8f0; }
  .card-footer code { background: #e2e8f0; padding: 1px 4px; border-radius: 3px; font-size: .7rem; }
  .day-header { font-size: 1.1rem; font-weight: 600; margin: 1.5rem 0 .5rem; }
  .summary { margin-top: 1rem; font-size: .85rem; color: #64748b; }
</style>
</head>
<body>
  <h1>Calendar Sync Report</h1>
  <p class="subtitle">Last {{.Count}} processed posts &middot; Total cost: {{.TotalCost}}</p>
{{- range .Days}}
  <h2 class="day-header">{{.Label}}</h2>
{{- range .Cards}}
  <div class="card">
    {{if .Thumbnail}}<img class="thumb" src="{{.Thumbnail}}" alt="">{{else}}<div class="thumb thumb-placeholder"></div>{{end}}
    <div class="card-content">
      <div class="card-header">
        <h2>{{if .Link}}<a href="{{.Link}}">{{.Title}}</a>{{else}}{{.Title}}{{end}}</h2>
        <span>
          {{if .NeedsReview}}<span class="badge review">review</span>{{end}}
          <span class="badge" style="background:{{.Color}}">{{.Outcome}}</span>
        </span>
      </div>
      <div class="card-body">
        {{- if .EventTitle}}
        <p class="event-details">&#128197; {{if .EventURL}}<a href="{{.EventURL}}" target="_blank"><strong>{{.EventTitle}}</strong></a>{{else}}<strong>{{.EventTitle}}</strong>{{end}}
          {{- if .EventWhen}} &middot; {{.EventWhen}}{{end}}
          {{- if .EventLocation}} &middot; {{.EventLocation}}{{end}}</p>
        {{- end}}
        <p class="reasoning">{{.Rationale}}</p>
        {{- if .Error}}
        <p class="error">{{.Error}}</p>
        {{- end}}
      </div>
      <div class="card-footer">
        <span><strong>Author:</strong> {{.Author}}</span>
        <span><strong>GUID:</strong> <code>{{.GUID}}</code></span>
        <span><strong>Event:</strong> {{if .EventURL}}<a href="{{.EventURL}}" target="_blank"><code>{{.EventID}}</code></a>{{else}}<code>{{if .EventID}}{{.EventID}}{{else}}-{{end}}</code>{{end}}</span>
        <span><strong>Post time:</strong> {{.PostTime}}</span>
        <span><strong>Processed:</strong> {{.Processed}}</span>
        <span><strong>Tokens:</strong> {{.TokensIn}} in / {{.TokensOut}} out</span>
        <span><strong>Cost:</strong> {{.Cost}}</span>
      </div>
    </div>
  </div>
{{- end}}
{{- end}}
  <p class="summary">Generated {{.GeneratedAt}}</p>
</body>
</html>
`))
