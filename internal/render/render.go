package render

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mwhesse/dataverse-mcp-sub000/internal/constants"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/request"
)

// tokenPlaceholder stands in for a real bearer token in rendered examples.
const tokenPlaceholder = "<ACCESS_TOKEN>"

// standardHeaders returns the headers every rendered example carries, merged
// with the request's own, in stable order.
func standardHeaders(spec *request.RequestSpec) [][2]string {
	merged := map[string]string{
		constants.ODataVersion:    constants.ODataVersionValue,
		constants.ODataMaxVersion: constants.ODataVersionValue,
		constants.Accept:          constants.ContentTypeJSON,
		constants.Authorization:   "Bearer " + tokenPlaceholder,
	}
	if spec.Body != nil {
		merged[constants.ContentType] = constants.ContentTypeJSON
	}
	for name, value := range spec.Headers {
		merged[name] = value
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([][2]string, 0, len(names))
	for _, name := range names {
		out = append(out, [2]string{name, merged[name]})
	}
	return out
}

func bodyJSON(spec *request.RequestSpec, indent string) string {
	if spec.Body == nil {
		return ""
	}
	data, err := json.MarshalIndent(spec.Body, indent, "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Curl renders the request as a curl command.
func Curl(spec *request.RequestSpec, apiBase string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "curl -X %s \\\n", spec.Method)
	fmt.Fprintf(&b, "  '%s'", spec.URL(apiBase))

	for _, header := range standardHeaders(spec) {
		fmt.Fprintf(&b, " \\\n  -H '%s: %s'", header[0], header[1])
	}

	if spec.Body != nil {
		fmt.Fprintf(&b, " \\\n  -d '%s'", bodyJSON(spec, ""))
	}

	return b.String()
}

// Fetch renders the request as a browser/Node fetch snippet.
func Fetch(spec *request.RequestSpec, apiBase string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "const response = await fetch('%s', {\n", spec.URL(apiBase))
	fmt.Fprintf(&b, "  method: '%s',\n", spec.Method)
	b.WriteString("  headers: {\n")
	for _, header := range standardHeaders(spec) {
		fmt.Fprintf(&b, "    '%s': '%s',\n", header[0], header[1])
	}
	b.WriteString("  },\n")
	if spec.Body != nil {
		fmt.Fprintf(&b, "  body: JSON.stringify(%s),\n", bodyJSON(spec, "  "))
	}
	b.WriteString("});\n")

	if spec.Method == constants.DELETE {
		b.WriteString("// 204 No Content on success\n")
	} else {
		b.WriteString("const data = await response.json();\n")
	}

	return b.String()
}

// ReactComponent renders a list-fetching React component skeleton for
// retrieve-multiple requests.
func ReactComponent(spec *request.RequestSpec, apiBase string) string {
	entity := "records"
	primaryID := "id"
	display := ""
	if spec.Entity != nil {
		entity = spec.Entity.EntitySetName
		if spec.Entity.PrimaryIdAttribute != "" {
			primaryID = spec.Entity.PrimaryIdAttribute
		}
		display = spec.Entity.PrimaryNameAttribute
	}
	if display == "" {
		display = primaryID
	}

	componentName := pascalCase(entity) + "List"

	var b strings.Builder
	b.WriteString("import { useEffect, useState } from 'react';\n\n")
	fmt.Fprintf(&b, "export function %s({ accessToken }) {\n", componentName)
	b.WriteString("  const [items, setItems] = useState([]);\n")
	b.WriteString("  const [error, setError] = useState(null);\n\n")
	b.WriteString("  useEffect(() => {\n")
	fmt.Fprintf(&b, "    fetch('%s', {\n", spec.URL(apiBase))
	b.WriteString("      headers: {\n")
	b.WriteString("        'OData-Version': '4.0',\n")
	b.WriteString("        'Accept': 'application/json',\n")
	b.WriteString("        'Authorization': `Bearer ${accessToken}`,\n")
	b.WriteString("      },\n")
	b.WriteString("    })\n")
	b.WriteString("      .then((res) => res.json())\n")
	b.WriteString("      .then((data) => setItems(data.value ?? []))\n")
	b.WriteString("      .catch(setError);\n")
	b.WriteString("  }, [accessToken]);\n\n")
	b.WriteString("  if (error) return <div>Failed to load: {String(error)}</div>;\n\n")
	b.WriteString("  return (\n")
	b.WriteString("    <ul>\n")
	fmt.Fprintf(&b, "      {items.map((item) => (\n")
	fmt.Fprintf(&b, "        <li key={item.%s}>{item.%s}</li>\n", primaryID, display)
	b.WriteString("      ))}\n")
	b.WriteString("    </ul>\n")
	b.WriteString("  );\n")
	b.WriteString("}\n")

	return b.String()
}

// Examples renders all applicable example formats for a request as one
// markdown document. List operations additionally get a React component.
func Examples(spec *request.RequestSpec, apiBase string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## %s %s\n\n", spec.Method, spec.URL(apiBase))

	b.WriteString("### curl\n\n```bash\n")
	b.WriteString(Curl(spec, apiBase))
	b.WriteString("\n```\n\n")

	b.WriteString("### fetch\n\n```javascript\n")
	b.WriteString(Fetch(spec, apiBase))
	b.WriteString("```\n")

	if isListRequest(spec) {
		b.WriteString("\n### React\n\n```jsx\n")
		b.WriteString(ReactComponent(spec, apiBase))
		b.WriteString("```\n")
	}

	return b.String()
}

// pascalCase turns an entity-set name like new_widget_parts into
// NewWidgetParts for use as a component name.
func pascalCase(name string) string {
	parts := strings.Split(name, "_")
	var b strings.Builder
	for _, part := range parts {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

// isListRequest reports whether the request returns a collection.
func isListRequest(spec *request.RequestSpec) bool {
	return spec.Method == constants.GET && !strings.Contains(spec.Path, "(")
}
