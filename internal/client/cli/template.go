package cli

import (
	"encoding/json"
	"text/template"

	"github.com/iudanet/synceddb/internal/models"
)

const recordTemplate = `
=== {{.Store}}/{{.Record.Key}} ===

Version: {{.Record.Version}}
{{- if .Record.ChangedSinceSync }}
Pending: {{pending .Record}}
{{- end}}

{{json .Record.Fields}}
`

const syncResultTemplate = `Pushed to server:   {{.Pushed}} record(s)
Pulled from server: {{.Pulled}} change(s)
{{- if .Conflicts }}
Conflicts resolved: {{.Conflicts}}
{{- end}}
{{- if .Rejected }}
Rejected:           {{.Rejected}}
{{- end}}
`

const statusTemplate = `=== Status ===

Server:      {{.Server}}
{{- if .Err }}
Health:      unreachable ({{.Err}})
{{- else }}
Health:      {{.Health.Status}} ({{.Health.Connections}} connection(s))
{{- end}}
Database:    {{.DB}}
{{range .Stores}}
{{printf "%-12s" .Name}} {{.Pending}} pending, synced to {{if .SyncedTo}}{{deref .SyncedTo}}{{else}}never{{end}}
{{- end}}
`

var templates = template.Must(template.New("cli").Funcs(template.FuncMap{
	"json":    toJSON,
	"pending": pendingOp,
	"deref":   func(p *int64) int64 { return *p },
}).Parse(`{{define "record"}}` + recordTemplate + `{{end}}` +
	`{{define "sync"}}` + syncResultTemplate + `{{end}}` +
	`{{define "status"}}` + statusTemplate + `{{end}}`))

func toJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(data)
}

// pendingOp называет операцию, которую отправит следующая синхронизация
func pendingOp(rec *models.Record) string {
	switch {
	case rec.Deleted:
		return string(models.ChangeDelete)
	case rec.NeverSynced():
		return string(models.ChangeCreate)
	default:
		return string(models.ChangeUpdate)
	}
}
