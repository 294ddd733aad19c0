package embeddings

import (
	"slices"
	"strings"
)

// localModel is a model the fastembed provider can download and run.
type localModel struct {
	// id is the fastembed identifier the ONNX bundle is published under.
	id  string
	dim int
}

// localModels is keyed by the Hugging Face name written in memsync.yaml.
var localModels = map[string]localModel{
	"BAAI/bge-small-en-v1.5":                 {id: "fast-bge-small-en-v1.5", dim: 384},
	"BAAI/bge-small-en":                      {id: "fast-bge-small-en", dim: 384},
	"BAAI/bge-base-en-v1.5":                  {id: "fast-bge-base-en-v1.5", dim: 768},
	"BAAI/bge-base-en":                       {id: "fast-bge-base-en", dim: 768},
	"BAAI/bge-small-zh-v1.5":                 {id: "fast-bge-small-zh-v1.5", dim: 512},
	"sentence-transformers/all-MiniLM-L6-v2": {id: "fast-all-MiniLM-L6-v2", dim: 384},
}

// lookupModel resolves a configured model by Hugging Face name or by its
// fastembed id.
func lookupModel(name string) (localModel, bool) {
	if m, ok := localModels[name]; ok {
		return m, true
	}
	if !strings.HasPrefix(name, "fast-") {
		return localModel{}, false
	}
	for _, m := range localModels {
		if m.id == name {
			return m, true
		}
	}
	return localModel{}, false
}

// supportedModels lists the configurable names for error messages.
func supportedModels() string {
	names := make([]string, 0, len(localModels))
	for name := range localModels {
		names = append(names, name)
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}
