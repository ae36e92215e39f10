package models

// DeltaOpKind is a single state mutation verb.
type DeltaOpKind string

const (
	DeltaSet    DeltaOpKind = "set"
	DeltaDelete DeltaOpKind = "delete"
)

type DeltaOp struct {
	Op    DeltaOpKind `json:"op"`
	Path  string      `json:"path"`
	Value any         `json:"value,omitempty"`
}

// Delta is an ordered list of state mutations produced by a node processor.
type Delta []DeltaOp

func (d *Delta) Set(path string, value any) {
	*d = append(*d, DeltaOp{Op: DeltaSet, Path: path, Value: value})
}

func (d *Delta) Delete(path string) {
	*d = append(*d, DeltaOp{Op: DeltaDelete, Path: path})
}

func (d Delta) Empty() bool {
	return len(d) == 0
}
