package handlers

import (
	"bytes"
	_ "embed"
	"net/http"

	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openapiDoc []byte

const docsPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>lab_boot API</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({url: "/openapi.yaml", dom_id: "#swagger-ui", deepLinking: true});
  </script>
</body>
</html>`

// OpenAPISpec handles GET /openapi.yaml. info.version carries the running
// build when one is set.
func (h *Handler) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	doc, err := stampVersion(openapiDoc, h.Version)
	if err != nil {
		h.logger().Error("failed to render openapi document", "error", err)
		doc = openapiDoc
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(doc)
}

// Docs handles GET /docs with a Swagger UI page over /openapi.yaml.
func (h *Handler) Docs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(docsPage))
}

func stampVersion(doc []byte, version string) ([]byte, error) {
	if version == "" {
		return doc, nil
	}
	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return doc, nil
	}
	if info := mappingValue(root.Content[0], "info"); info != nil {
		if v := mappingValue(info, "version"); v != nil {
			v.Value = version
			v.Style = yaml.DoubleQuotedStyle
		}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// mappingValue returns the value node stored under key in a mapping node.
func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}
