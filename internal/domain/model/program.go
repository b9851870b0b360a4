package model

// Program is one monitored on-chain program.
type Program struct {
	Label string `yaml:"label"`
	ID    string `yaml:"id"`
}

const (
	ProgramLabelGroup    = "group"
	ProgramLabelTrust    = "trust"
	ProgramLabelTreasury = "treasury"
)
