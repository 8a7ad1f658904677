package kube

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// DecodeManifestDir reads every YAML file in dir (non-recursive, sorted by
// name) and decodes all documents into unstructured objects.
func DecodeManifestDir(dir string) ([]*unstructured.Unstructured, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading manifest dir %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		return nil, fmt.Errorf("no manifests found in %s", dir)
	}

	var objs []*unstructured.Unstructured
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening manifest %s: %w", path, err)
		}

		decoded, err := decodeDocuments(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding manifest %s: %w", path, err)
		}
		objs = append(objs, decoded...)
	}

	return objs, nil
}

func decodeDocuments(r io.Reader) ([]*unstructured.Unstructured, error) {
	var objs []*unstructured.Unstructured

	dec := yaml.NewDecoder(r)
	for {
		var doc map[string]any
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return nil, err
		}
		if len(doc) == 0 {
			continue
		}

		obj := &unstructured.Unstructured{Object: normalizeMap(doc)}
		if obj.GetAPIVersion() == "" || obj.GetKind() == "" {
			return nil, errors.New("manifest document missing apiVersion or kind")
		}
		if obj.GetName() == "" {
			return nil, fmt.Errorf("%s manifest missing metadata.name", obj.GetKind())
		}
		objs = append(objs, obj)
	}

	return objs, nil
}

// normalizeMap converts yaml.v3 decoded values into the types unstructured
// objects require, in particular int to int64.
func normalizeMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}

	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}

		return out
	case int:
		return int64(t)
	case int32:
		return int64(t)
	default:
		return v
	}
}
