package models

// Team is a named grouping of principals, used to scope admin visibility.
type Team struct {
	ID   string
	Name string
}
