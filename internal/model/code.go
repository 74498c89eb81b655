package model

// CodeType classifies a code artifact.
type CodeType string

const (
	CodeTypeCore    CodeType = "core"
	CodeTypeProfile CodeType = "profile"
	CodeTypeModule  CodeType = "module"
	CodeTypeTheme   CodeType = "theme"
	CodeTypeLibrary CodeType = "library"
	CodeTypeStatic  CodeType = "static"
)

// Dir is the on-disk directory name for the type under CODE_ROOT.
func (t CodeType) Dir() string {
	switch t {
	case CodeTypeLibrary:
		return "libraries"
	case CodeTypeStatic:
		return "statics"
	default:
		return string(t) + "s"
	}
}

// IsPackage reports whether the type layers into an instance's sites/all
// tree.
func (t CodeType) IsPackage() bool {
	return t == CodeTypeModule || t == CodeTypeTheme || t == CodeTypeLibrary
}

// DeployHints tell the update pipeline what an artifact needs after its
// code lands on an instance.
type DeployHints struct {
	RegistryRebuild bool `json:"registry_rebuild"`
	CacheClear      bool `json:"cache_clear"`
	UpdateDatabase  bool `json:"update_database"`
}

// CodeItem is one deployable artifact: a checkout of a repository at a
// commit, identified by (name, version, code_type).
type CodeItem struct {
	Meta
	Name       string      `json:"name"`
	Version    string      `json:"version"`
	CodeType   CodeType    `json:"code_type"`
	GitURL     string      `json:"git_url"`
	CommitHash string      `json:"commit_hash"`
	IsCurrent  bool        `json:"is_current"`
	Tags       []string    `json:"tag,omitempty"`
	Label      string      `json:"label,omitempty"`
	Deploy     DeployHints `json:"deploy"`
	CreatedBy  string      `json:"created_by,omitempty"`
	ModifiedBy string      `json:"modified_by,omitempty"`
}

// VersionDir is the checkout directory name: <name>-<version>.
func (c *CodeItem) VersionDir() string {
	return c.Name + "-" + c.Version
}

// CurrentDir is the floating current link name: <name>-current.
func (c *CodeItem) CurrentDir() string {
	return c.Name + "-current"
}
