package template

// Template represents a campaign message template. Placeholders use the
// {{name}} form.
type Template struct {
	ID        string         `yaml:"-" json:"id"`
	Name      string         `yaml:"name,omitempty" json:"name,omitempty"`
	Subject   string         `yaml:"subject" json:"subject"`
	HTML      string         `yaml:"html,omitempty" json:"html,omitempty"`
	Text      string         `yaml:"text" json:"text"`
	Variables []VariableInfo `yaml:"variables,omitempty" json:"variables,omitempty"`
}

// VariableInfo documents a template variable
type VariableInfo struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Default     string `yaml:"default,omitempty" json:"default,omitempty"`
}

// Rendered is a message ready for a provider
type Rendered struct {
	To      string `json:"to"`
	ToName  string `json:"to_name,omitempty"`
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text"`
}

// Variable names every lead provides
const (
	VarID          = "id"
	VarEmail       = "email"
	VarFirstName   = "first_name"
	VarLastName    = "last_name"
	VarFullName    = "full_name"
	VarCompanyName = "company_name"
	VarIndustry    = "industry"
	VarCity        = "city"
	VarCountry     = "country"
	VarSource      = "source"
)

// LeadVariables is the set of variables available from lead attributes
var LeadVariables = []string{
	VarID, VarEmail, VarFirstName, VarLastName, VarFullName,
	VarCompanyName, VarIndustry, VarCity, VarCountry, VarSource,
}
