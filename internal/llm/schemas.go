package llm

// DecomposedTask is one task proposed by the decomposer. DependsOn
// holds indices into the same response, 0- or 1-based.
type DecomposedTask struct {
	Description       string   `json:"description"`
	DependsOn         []int    `json:"depends_on"`
	FilePaths         []string `json:"file_paths"`
	SuccessCriteria   []string `json:"success_criteria"`
	ComplexityTier    string   `json:"complexity_tier"`
}

// Decomposition is the decomposer's full response.
type Decomposition struct {
	Tasks []DecomposedTask `json:"tasks"`
}

const decompositionSchema = `{
	"type": "object",
	"required": ["tasks"],
	"properties": {
		"tasks": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["description"],
				"properties": {
					"description": {"type": "string", "minLength": 1},
					"depends_on": {"type": "array", "items": {"type": "integer", "minimum": 0}},
					"file_paths": {"type": "array", "items": {"type": "string"}},
					"success_criteria": {"type": "array", "items": {"type": "string"}},
					"complexity_tier": {"enum": ["trivial", "standard", "complex", ""]}
				}
			}
		}
	}
}`

// Gap is one verification shortfall.
type Gap struct {
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// Verdict is the verifier's response.
type Verdict struct {
	Verdict string `json:"verdict"`
	Gaps    []Gap  `json:"gaps"`
}

const verdictSchema = `{
	"type": "object",
	"required": ["verdict"],
	"properties": {
		"verdict": {"enum": ["pass", "fail"]},
		"gaps": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["description"],
				"properties": {
					"description": {"type": "string", "minLength": 1},
					"severity": {"enum": ["critical", "major", "minor", ""]}
				}
			}
		}
	}
}`

// NewDecompositionValidator compiles the decomposition schema.
func NewDecompositionValidator() (*Validator, error) {
	return NewValidator(decompositionSchema)
}

// NewVerdictValidator compiles the verdict schema.
func NewVerdictValidator() (*Validator, error) {
	return NewValidator(verdictSchema)
}
