package scheduler

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// LoadCatalog loads plan declarations from a directory of CUE files.
//
// Declarations live under the top-level "plan" struct, keyed by tag:
//
//	plan: sync_reconcile: {
//	    cost:        1
//	    queue_bound: 128
//	}
//
// Missing fields default at table build time. The returned specs are in
// CUE field order, which CUE keeps deterministic.
func LoadCatalog(dir string) ([]Spec, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("plan catalog directory not found: %s", dir)
	}
	if err != nil {
		return nil, fmt.Errorf("accessing plan catalog: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plan catalog is not a directory: %s", dir)
	}

	cueFiles, err := findCUEFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning plan catalog: %w", err)
	}
	if len(cueFiles) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir, Package: "_"})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("building CUE value: %w", err)
	}

	plansVal := value.LookupPath(cue.ParsePath("plan"))
	if !plansVal.Exists() {
		return nil, fmt.Errorf("no plan declarations found in %s", dir)
	}

	iter, err := plansVal.Fields()
	if err != nil {
		return nil, fmt.Errorf("iterating plans: %w", err)
	}

	var specs []Spec
	for iter.Next() {
		spec := Spec{Tag: iter.Label()}
		if err := decodePlanField(iter.Value(), "cost", &spec.Cost); err != nil {
			return nil, fmt.Errorf("plan %q: %w", spec.Tag, err)
		}
		if err := decodePlanField(iter.Value(), "queue_bound", &spec.QueueBound); err != nil {
			return nil, fmt.Errorf("plan %q: %w", spec.Tag, err)
		}
		if spec.Cost < 0 || spec.QueueBound < 0 {
			return nil, fmt.Errorf("plan %q: cost and queue_bound must not be negative", spec.Tag)
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("plan struct in %s declares no plans", dir)
	}
	return specs, nil
}

// decodePlanField reads an optional int field from a plan declaration.
func decodePlanField(v cue.Value, field string, out *int) error {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return nil
	}
	n, err := fv.Int64()
	if err != nil {
		return fmt.Errorf("field %s: %w", field, err)
	}
	*out = int(n)
	return nil
}

// findCUEFiles walks the directory and returns all .cue file paths.
func findCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
