package config

import (
	"bytes"
	"fmt"
	"net/url"
	"sort"
	"text/template"
)

// gridCell is one expanded grid probe.
type gridCell struct {
	name   string
	path   string
	params map[string]string
}

// expandGrid renders a grid into one cell per dimension combination.
// Dimension values are path-escaped before they reach the path template.
func expandGrid(gc GridConfig) ([]gridCell, error) {
	// use missingkey=error to fail fast on missing template variables
	tmpl, err := template.New("path").Option("missingkey=error").Parse(gc.PathTemplate)
	if err != nil {
		return nil, err
	}

	paramTmpls := make(map[string]*template.Template, len(gc.Params))
	for k, v := range gc.Params {
		pt, err := template.New(k).Option("missingkey=error").Parse(v)
		if err != nil {
			return nil, err
		}
		paramTmpls[k] = pt
	}

	var cells []gridCell
	for _, combo := range cartesianProduct(gc.Dimensions) {
		escaped := make(map[string]string, len(combo))
		for k, v := range combo {
			escaped[k] = url.PathEscape(v)
		}

		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, escaped); err != nil {
			return nil, fmt.Errorf("grid (%s) with dimensions %v: template execution failed: %w", gc.Name, combo, err)
		}

		params := make(map[string]string, len(paramTmpls))
		for k, pt := range paramTmpls {
			var pbuf bytes.Buffer
			if err := pt.Execute(&pbuf, combo); err != nil {
				return nil, fmt.Errorf("grid (%s) with dimensions %v: params[%s]: %w", gc.Name, combo, k, err)
			}
			params[k] = pbuf.String()
		}

		cells = append(cells, gridCell{
			name:   gridProbeName(gc.Name, combo),
			path:   buf.String(),
			params: params,
		})
	}

	return cells, nil
}

// gridProbeName creates the operation name for a grid cell, e.g.
// "lookup.alice.json". Dimension values are joined in key order.
func gridProbeName(baseName string, combo map[string]string) string {
	keys := sortedKeys(combo)

	name := baseName
	for _, k := range keys {
		name += "." + combo[k]
	}
	return name
}

// cartesianProduct generates all combinations of dimension values.
func cartesianProduct(dimensions map[string][]string) []map[string]string {
	if len(dimensions) == 0 {
		return nil
	}

	// sort dimension keys for deterministic ordering
	keys := make([]string, 0, len(dimensions))
	for k := range dimensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// start with single empty combination
	result := []map[string]string{{}}

	for _, key := range keys {
		values := dimensions[key]
		var newResult []map[string]string

		for _, combo := range result {
			for _, val := range values {
				// copy existing combo and add new dimension
				newCombo := make(map[string]string, len(combo)+1)
				for k, v := range combo {
					newCombo[k] = v
				}
				newCombo[key] = val
				newResult = append(newResult, newCombo)
			}
		}
		result = newResult
	}

	return result
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
