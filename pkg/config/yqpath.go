package config

import (
	"fmt"

	"github.com/mikefarah/yq/v4/pkg/yqlib"
)

// setYAMLPath sets value (a YAML/JSON-coerced scalar literal, e.g. "8080",
// "true", or a quoted string) at the dotted path expression against doc,
// returning the updated document. Both the MASTER_* env-var path mapping
// and --dotted.path CLI overrides route through this one primitive rather
// than two hand-rolled mutators, reusing the teacher's own YAML-path
// dependency instead of walking nested maps by hand.
func setYAMLPath(doc, path, value string) (string, error) {
	expression := fmt.Sprintf("%s = %s", path, value)

	prefs := yqlib.NewDefaultYamlPreferences()
	decoder := yqlib.NewYamlDecoder(prefs)
	encoder := yqlib.NewYamlEncoder(2, false, prefs)

	result, err := yqlib.NewStringEvaluator().Evaluate(expression, doc, encoder, decoder)
	if err != nil {
		return "", fmt.Errorf("config: yq path %q: %w", path, err)
	}
	return result, nil
}

// dottedToYqPath converts "hosting.port" into the yq path expression
// ".hosting.port". Numeric segments are left as map keys (this gateway's
// schema has no array-indexed override targets).
func dottedToYqPath(dotted string) string {
	return "." + dotted
}
