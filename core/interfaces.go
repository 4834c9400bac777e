package core

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Operation represents a modifying post store operation, one of Create, Update, Delete
type Operation string

// all supported post store operations
const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return nil
	default:
		return fmt.Errorf("%s is not valid Operation", s)
	}
}

// Notifier is an interface to receive post store notifications. The resource is
// the collection the document belongs to.
type Notifier interface {
	Notify(resource string, operation Operation, payload []byte)
}
