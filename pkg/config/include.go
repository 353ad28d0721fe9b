package config

import (
	"github.com/zclconf/go-cty/cty"
)

// includeExposures builds the include.<label> variable objects for every
// exposed include. Two views are returned: the full exposure used by
// locals and inputs, and the graph exposure used by include paths and
// dependency declarations.
//
// When a parent declares dependency blocks its exposure to graph-affecting
// expressions shrinks to the parent's locals. Without that restriction the
// child's dependency set could hinge on the parent's dependency outputs,
// and graph construction would need tool output before the graph exists.
func includeExposures(includes []*IncludeDeclaration) (full cty.Value, graph cty.Value, err error) {
	fullVals := make(map[string]cty.Value)
	graphVals := make(map[string]cty.Value)

	for _, inc := range includes {
		if !inc.Expose || inc.parent == nil {
			continue
		}

		fullVal, err := documentToCty(inc.parent)
		if err != nil {
			return cty.NilVal, cty.NilVal, err
		}
		fullVals[inc.Label] = fullVal

		if len(inc.parent.Dependency) > 0 {
			graphVals[inc.Label] = cty.ObjectVal(map[string]cty.Value{
				"locals": mapToObject(inc.parent.Locals),
			})
		} else {
			graphVals[inc.Label] = fullVal
		}
	}

	if len(fullVals) == 0 {
		return cty.NilVal, cty.NilVal, nil
	}
	return cty.ObjectVal(fullVals), cty.ObjectVal(graphVals), nil
}

// mergeWithParents folds every included parent into the document. Includes
// are processed in reverse declaration order so that when two parents set
// the same field, the later include block wins; the child's own fields win
// over every parent.
func mergeWithParents(doc *Document) (*Document, error) {
	if len(doc.Includes) == 0 {
		return doc, nil
	}

	current := doc
	for i := len(doc.Includes) - 1; i >= 0; i-- {
		inc := doc.Includes[i]
		if inc.Strategy == NoMerge {
			continue
		}
		merged := mergeDocuments(inc.parent, current, inc.Strategy)

		// Identity and locals always stay with the child.
		merged.Path = doc.Path
		merged.Dir = doc.Dir
		merged.Includes = doc.Includes
		merged.Locals = doc.Locals
		current = merged
	}
	return current, nil
}
