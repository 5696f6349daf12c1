package report

// ParamKind enumerates the closed set of declared parameter types (spec §6.2).
type ParamKind string

const (
	KindOptional         ParamKind = "Optional"
	KindList             ParamKind = "List"
	KindLiteral          ParamKind = "Literal"
	KindInt              ParamKind = "int"
	KindFloat            ParamKind = "float"
	KindBool             ParamKind = "bool"
	KindDate             ParamKind = "date"
	KindDatetime         ParamKind = "datetime"
	KindStr              ParamKind = "str"
	KindInjectedStr      ParamKind = "InjectedStr"
	KindInjectedIdentLit ParamKind = "InjectedIdentLiteral"
	KindInjectedPathStr  ParamKind = "InjectedPathStr"
)

// ParamScope is where a parameter is permitted to apply.
type ParamScope string

const (
	ScopeData   ParamScope = "data"
	ScopeView   ParamScope = "view"
	ScopeHybrid ParamScope = "hybrid"
)

// AppliesToMode controls how a hybrid/data param threads into a CTE.
type AppliesToMode string

const (
	AppliesWrapper AppliesToMode = "wrapper"
	AppliesInline  AppliesToMode = "inline"
)

// AppliesTo names the CTE a parameter threads through and how.
type AppliesTo struct {
	CTE  string        `yaml:"cte"`
	Mode AppliesToMode `yaml:"mode"`
}

// ParamType is the parsed form of a declared type string such as
// "Optional[List[int]]" or "InjectedIdentLiteral[{a,b,c}]".
type ParamType struct {
	Kind     ParamKind
	Elem     *ParamType // for Optional[T], List[T]
	Literals []string   // for Literal[...] and InjectedIdentLiteral[{...}]
}

// ParamSpec is one declared PARAMS entry.
type ParamSpec struct {
	Name      string     `yaml:"name"`
	Type      string     `yaml:"type"`
	Scope     ParamScope `yaml:"scope"`
	AppliesTo *AppliesTo `yaml:"applies_to,omitempty"`
	Default   *string    `yaml:"default,omitempty"`

	ParsedType ParamType `yaml:"-"`
}

// ParamsBlock is the PARAMS metadata block: a list of declarations.
type ParamsBlock struct {
	Params []ParamSpec `yaml:"params"`
}

// ConfigBlock declares named constants resolved by {{config NAME}}.
// Values live in config.toml's [config] table at the deployment level; this
// block only declares which names the report expects, so the linter can
// catch a typo'd {{config X}} before it reaches the executor.
type ConfigBlock struct {
	Names []string `yaml:"names"`
}

// SourcesBlock is reserved for declaring auxiliary raw data sources
// consulted by LITERAL_SOURCES/BINDINGS beyond CTEs in the SQL body itself.
type SourcesBlock struct {
	Sources []string `yaml:"sources"`
}

// CacheBlock overrides cache behavior for this report (SPEC_FULL.md §A.3).
type CacheBlock struct {
	TTLSeconds           *int   `yaml:"ttl_seconds,omitempty"`
	StaleWhileRevalidate bool   `yaml:"stale_while_revalidate,omitempty"`
	MaxBytesPerKind      *int64 `yaml:"max_bytes_per_kind,omitempty"`
}

// TableBlock, SearchBlock, FacetsBlock, ChartsBlock are parsed and schema
// validated but otherwise passed through verbatim to the manifest's schema
// field; their rendering is owned by the browser runtime.
type TableBlock struct {
	Columns []TableColumn `yaml:"columns"`
}

type TableColumn struct {
	Name  string `yaml:"name"`
	Label string `yaml:"label,omitempty"`
}

type SearchBlock struct {
	Columns []string `yaml:"columns"`
}

type FacetsBlock struct {
	Fields []string `yaml:"fields"`
}

type ChartsBlock struct {
	Charts []ChartSpec `yaml:"charts"`
}

type ChartSpec struct {
	Kind string `yaml:"kind"`
	X    string `yaml:"x"`
	Y    string `yaml:"y"`
}

// DerivedParam is one DERIVED_PARAMS entry (SPEC_FULL.md §A.3).
type DerivedParam struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Expr      string   `yaml:"expr"`
	DependsOn []string `yaml:"depends_on"`
}

type DerivedParamsBlock struct {
	Derived []DerivedParam `yaml:"derived"`
}

// LiteralSourceSpec is one LITERAL_SOURCES entry.
type LiteralSourceSpec struct {
	ID          string `yaml:"id"`
	FromCTE     string `yaml:"from_cte"`
	ValueColumn string `yaml:"value_column"`
}

type LiteralSourcesBlock struct {
	Sources []LiteralSourceSpec `yaml:"sources"`
}

// BindingKind restricts where a binding's value may textually appear.
type BindingKind string

const (
	BindingPartition  BindingKind = "partition"
	BindingDemo       BindingKind = "demo"
	BindingIdentifier BindingKind = "identifier"
)

// BindingSpec is one BINDINGS entry.
type BindingSpec struct {
	ID          string      `yaml:"id"`
	SourceCTE   string      `yaml:"source_cte"`
	KeyParam    string      `yaml:"key_param"`
	KeyColumn   string      `yaml:"key_column"`
	ValueColumn string      `yaml:"value_column"`
	Kind        BindingKind `yaml:"kind"`
}

type BindingsBlock struct {
	Bindings []BindingSpec `yaml:"bindings"`
}

// ImportSpec is one IMPORTS entry: a reference to another report's base
// artifact.
type ImportSpec struct {
	ID           string   `yaml:"id"`
	TargetReport string   `yaml:"target_report"`
	PassParams   []string `yaml:"pass_params"`
}

type ImportsBlock struct {
	Imports []ImportSpec `yaml:"imports"`
}

// SecretsBlock declares secret reference names by name only; values never
// appear here (internal/secrets resolves them from the environment or a
// sidecar file).
type SecretsBlock struct {
	Secrets []string `yaml:"secrets"`
}

// Metadata is the decoded tagged union of all blocks a report may declare.
// Every field is optional; each block may appear at most once in source.
type Metadata struct {
	Params        *ParamsBlock
	Config        *ConfigBlock
	Sources       *SourcesBlock
	Cache         *CacheBlock
	Table         *TableBlock
	Search        *SearchBlock
	Facets        *FacetsBlock
	Charts        *ChartsBlock
	DerivedParams *DerivedParamsBlock
	LiteralSrcs   *LiteralSourcesBlock
	Bindings      *BindingsBlock
	Imports       *ImportsBlock
	Secrets       *SecretsBlock
}

// blockNames is the closed set of recognized block headers.
var blockNames = map[string]bool{
	"PARAMS": true, "CONFIG": true, "SOURCES": true, "CACHE": true,
	"TABLE": true, "SEARCH": true, "FACETS": true, "CHARTS": true,
	"DERIVED_PARAMS": true, "LITERAL_SOURCES": true, "BINDINGS": true,
	"IMPORTS": true, "SECRETS": true,
}
