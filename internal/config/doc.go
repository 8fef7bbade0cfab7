// Package config provides configuration loading and validation for the
// therapy audio service. Configuration is read from YAML on top of built-in
// defaults, a few deployment settings can be overridden from the
// environment, and every section validates itself.
package config
