// Package configstore defines the backend contract shared by the file and
// MongoDB configuration stores.
package configstore

// ConfigStore loads and saves one configuration document.
type ConfigStore interface {
	Load(out any) error
	Save(data any) error
}
