package domain

// Terminal is a registered check-in device, resolved by its pairing PIN
type Terminal struct {
	ID        int64  `json:"id"`
	PIN       string `json:"pin"`
	Name      string `json:"name"`
	GroupID   *int64 `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`
	Address   string `json:"address,omitempty"`
}

// AcceptsAllCategories reports whether the terminal is not restricted to a category group
func (t *Terminal) AcceptsAllCategories() bool {
	return t.GroupID == nil
}
