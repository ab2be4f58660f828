package graph

import (
	"fmt"
	"io"
	"text/template"

	"github.com/Masterminds/sprig"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const describeTemplate = `{{ title .Topology.String }} graph, {{ if .Running }}running{{ else }}stopped{{ end }}
Nodes ({{ len .Nodes }}):
{{- range .Nodes }}
  {{ .Kind.String | printf "%-7s" }} {{ .ID }}
{{- end }}
Edges ({{ len .Edges }}):
{{- range .Edges }}
  {{ .From }} -> {{ .To }}:{{ .Bus }}
{{- end }}
Slots:
{{- range .Slots }}{{ if ne .State.String "empty" }}
  {{ .Target.String | printf "%-9s" }} {{ .State.String | upper }} {{ .Plugin | trunc 48 }}
{{- end }}{{ end }}
`

var describer = template.Must(template.New("describe").
	Funcs(sprig.TxtFuncMap()).
	Funcs(template.FuncMap{"title": title}).
	Parse(describeTemplate))

// title gets a Caser of its own on every call; a Caser keeps state and
// Describe may run on several goroutines.
func title(s string) string {
	return cases.Title(language.English).String(s)
}

// Describe writes a human readable description of the snapshot to w.
func Describe(w io.Writer, s *Snapshot) error {
	if s == nil {
		_, err := io.WriteString(w, "no graph\n")
		return err
	}
	if err := describer.Execute(w, s); err != nil {
		return fmt.Errorf("describe graph: %w", err)
	}
	return nil
}
