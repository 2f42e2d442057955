package models

import "gorm.io/datatypes"

// MetaString returns the value stored under key as a string, or "" when absent.
func MetaString(m datatypes.JSONMap, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
