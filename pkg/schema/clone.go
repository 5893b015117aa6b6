package schema

import "github.com/mohae/deepcopy"

// Clone returns a deep copy of out. Nil and empty lists stay distinct.
func Clone(out Output) Output {
	if out == nil {
		return nil
	}
	cpy, _ := deepcopy.Copy(out).(Output)
	return cpy
}
