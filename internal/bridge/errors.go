package bridge

import "fmt"

// NotReadyError reports use of the bridge before the guest module is
// instantiated.
type NotReadyError struct{}

func (*NotReadyError) Error() string {
	return "bridge: guest module is not instantiated yet"
}

// UnknownCallableError reports a call against a name the metadata
// repository does not declare.
type UnknownCallableError struct {
	Namespace string
	Name      string
}

func (e *UnknownCallableError) Error() string {
	return fmt.Sprintf("bridge: callable '%s' not declared in namespace '%s'", e.Name, e.Namespace)
}
