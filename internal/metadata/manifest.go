package metadata

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk YAML form of an introspection namespace: the list
// of callables a wasm module exports, with the slot-level attributes the
// call bridge needs (directions, ownership transfer, cross-argument links).
type Manifest struct {
	Namespace string             `yaml:"namespace"`
	Wasm      WasmRef            `yaml:"wasm"`
	Callables []callableManifest `yaml:"callables"`

	// Internal fields
	path string // manifest file location
}

// WasmRef points at the wasm binary the manifest describes.
type WasmRef struct {
	File string `yaml:"file"`
}

type callableManifest struct {
	Name        string         `yaml:"name"`
	Kind        string         `yaml:"kind"`
	Symbol      string         `yaml:"symbol"`
	Constructor bool           `yaml:"constructor"`
	Throws      bool           `yaml:"throws"`
	Container   *containerRef  `yaml:"container"`
	Return      returnManifest `yaml:"return"`
	Args        []argManifest  `yaml:"args"`
}

type containerRef struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`
}

type returnManifest struct {
	Type     typeRef `yaml:"type"`
	Transfer string  `yaml:"transfer"`
}

type argManifest struct {
	Name            string  `yaml:"name"`
	Type            typeRef `yaml:"type"`
	Direction       string  `yaml:"direction"`
	Transfer        string  `yaml:"transfer"`
	CallerAllocates bool    `yaml:"caller_allocates"`
	ClosureArg      *int    `yaml:"closure_arg"`
	DestroyArg      *int    `yaml:"destroy_arg"`
}

// typeRef accepts either a bare tag name ("int32") or a full mapping
// ({tag: array, elem: int32, length_arg: 1}).
type typeRef struct {
	Tag       string   `yaml:"tag"`
	Name      string   `yaml:"name"`
	Pointer   bool     `yaml:"pointer"`
	Storage   string   `yaml:"storage"`
	Elem      *typeRef `yaml:"elem"`
	LengthArg *int     `yaml:"length_arg"`
	Size      uint32   `yaml:"size"`
}

func (t *typeRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Tag = node.Value
		return nil
	}
	type plain typeRef
	return node.Decode((*plain)(t))
}

var tagsByName = func() map[string]TypeTag {
	m := make(map[string]TypeTag, len(tagNames))
	for tag, name := range tagNames {
		m[name] = tag
	}
	return m
}()

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for kind, name := range kindNames {
		m[name] = kind
	}
	return m
}()

// ParseManifest reads and parses a metadata manifest from a file.
func ParseManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ManifestNotFoundError{Path: path, Err: err}
	}
	return parseManifestBytes(path, data)
}

func parseManifestBytes(path string, data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{Path: path, Err: err}
	}
	m.path = path

	if m.Namespace == "" {
		return nil, &ManifestValidationError{
			Path:    path,
			Field:   "namespace",
			Message: "namespace is required",
		}
	}
	if len(m.Callables) == 0 {
		return nil, &ManifestValidationError{
			Path:    path,
			Field:   "callables",
			Message: "at least one callable is required",
		}
	}
	return &m, nil
}

// Path returns the manifest file location.
func (m *Manifest) Path() string {
	return m.path
}

// Repository resolves the manifest into callable metadata handles, indexed
// by name. Repeat lookups return the same handle.
type Repository struct {
	Namespace string
	WasmFile  string

	callables map[string]*CallableInfo
}

// Build resolves every manifest entry into a CallableInfo and validates
// cross-argument indices.
func (m *Manifest) Build() (*Repository, error) {
	repo := &Repository{
		Namespace: m.Namespace,
		WasmFile:  m.Wasm.File,
		callables: make(map[string]*CallableInfo, len(m.Callables)),
	}
	for i := range m.Callables {
		cm := &m.Callables[i]
		info, err := m.resolveCallable(cm)
		if err != nil {
			return nil, err
		}
		if _, dup := repo.callables[info.Name]; dup {
			return nil, &ManifestValidationError{
				Path:    m.path,
				Field:   "callables",
				Message: fmt.Sprintf("duplicate callable '%s'", info.Name),
			}
		}
		repo.callables[info.Name] = info
	}
	return repo, nil
}

// Lookup returns the metadata handle for a callable by name.
func (r *Repository) Lookup(name string) (*CallableInfo, bool) {
	info, ok := r.callables[name]
	return info, ok
}

// Names returns all callable names in the repository.
func (r *Repository) Names() []string {
	names := make([]string, 0, len(r.callables))
	for n := range r.callables {
		names = append(names, n)
	}
	return names
}

func (m *Manifest) resolveCallable(cm *callableManifest) (*CallableInfo, error) {
	if cm.Name == "" {
		return nil, &ManifestValidationError{
			Path:    m.path,
			Field:   "callables.name",
			Message: "callable name is required",
		}
	}

	kind, ok := kindsByName[cm.Kind]
	if cm.Kind == "" {
		kind = KindFunction
	} else if !ok {
		return nil, &ManifestValidationError{
			Path:    m.path,
			Field:   "callables.kind",
			Message: fmt.Sprintf("callable '%s': unknown kind '%s'", cm.Name, cm.Kind),
		}
	}

	info := &CallableInfo{
		Namespace:   m.Namespace,
		Name:        cm.Name,
		Kind:        kind,
		Symbol:      cm.Symbol,
		Constructor: cm.Constructor,
		Throws:      cm.Throws,
	}
	if info.Symbol == "" {
		info.Symbol = cm.Name
	}

	if cm.Container != nil {
		ck, err := m.resolveContainerKind(cm.Name, cm.Container.Kind)
		if err != nil {
			return nil, err
		}
		info.Container = &ContainerInfo{Kind: ck, Name: cm.Container.Name}
	}

	var err error
	if info.CallerOwns, err = m.resolveTransfer(cm.Name, cm.Return.Transfer); err != nil {
		return nil, err
	}
	if info.Return, err = m.resolveType(cm.Name, &cm.Return.Type); err != nil {
		return nil, err
	}

	info.Args = make([]ArgInfo, len(cm.Args))
	for i := range cm.Args {
		am := &cm.Args[i]
		arg := &info.Args[i]
		arg.Name = am.Name
		arg.CallerAllocates = am.CallerAllocates
		arg.ClosureIndex = indexOrNone(am.ClosureArg)
		arg.DestroyIndex = indexOrNone(am.DestroyArg)
		if arg.Type, err = m.resolveType(cm.Name, &am.Type); err != nil {
			return nil, err
		}
		if arg.Direction, err = m.resolveDirection(cm.Name, am.Direction); err != nil {
			return nil, err
		}
		if arg.Transfer, err = m.resolveTransfer(cm.Name, am.Transfer); err != nil {
			return nil, err
		}
	}

	if err := info.Validate(); err != nil {
		return nil, &ManifestValidationError{
			Path:    m.path,
			Field:   "callables",
			Message: err.Error(),
		}
	}
	return info, nil
}

func (m *Manifest) resolveType(callable string, ref *typeRef) (TypeInfo, error) {
	ti := TypeInfo{
		Name:        ref.Name,
		Pointer:     ref.Pointer,
		LengthIndex: indexOrNone(ref.LengthArg),
		Size:        ref.Size,
	}
	if ref.Tag == "" {
		ti.Tag = TagVoid
		return ti, nil
	}
	tag, ok := tagsByName[ref.Tag]
	if !ok {
		return ti, &ManifestValidationError{
			Path:    m.path,
			Field:   "type",
			Message: fmt.Sprintf("callable '%s': unknown type tag '%s'", callable, ref.Tag),
		}
	}
	ti.Tag = tag

	if ref.Storage != "" {
		st, ok := tagsByName[ref.Storage]
		if !ok || !st.IsScalar() {
			return ti, &ManifestValidationError{
				Path:    m.path,
				Field:   "type.storage",
				Message: fmt.Sprintf("callable '%s': invalid storage tag '%s'", callable, ref.Storage),
			}
		}
		ti.Storage = st
	} else if tag == TagEnum || tag == TagFlags {
		// Enums without a declared width default to 32-bit signed storage.
		ti.Storage = TagInt32
	}

	if ref.Elem != nil {
		elem, err := m.resolveType(callable, ref.Elem)
		if err != nil {
			return ti, err
		}
		ti.Elem = &elem
	}
	return ti, nil
}

func (m *Manifest) resolveDirection(callable, s string) (Direction, error) {
	switch s {
	case "", "in":
		return DirIn, nil
	case "out":
		return DirOut, nil
	case "inout":
		return DirInOut, nil
	}
	return DirIn, &ManifestValidationError{
		Path:    m.path,
		Field:   "args.direction",
		Message: fmt.Sprintf("callable '%s': unknown direction '%s'", callable, s),
	}
}

func (m *Manifest) resolveTransfer(callable, s string) (Transfer, error) {
	switch s {
	case "", "none":
		return TransferNone, nil
	case "container":
		return TransferContainer, nil
	case "everything", "full":
		return TransferEverything, nil
	}
	return TransferNone, &ManifestValidationError{
		Path:    m.path,
		Field:   "transfer",
		Message: fmt.Sprintf("callable '%s': unknown transfer '%s'", callable, s),
	}
}

func (m *Manifest) resolveContainerKind(callable, s string) (ContainerKind, error) {
	switch s {
	case "object":
		return ContainerObject, nil
	case "interface":
		return ContainerInterface, nil
	case "record", "struct":
		return ContainerRecord, nil
	case "union":
		return ContainerUnion, nil
	}
	return ContainerObject, &ManifestValidationError{
		Path:    m.path,
		Field:   "container.kind",
		Message: fmt.Sprintf("callable '%s': unknown container kind '%s'", callable, s),
	}
}

func indexOrNone(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}
