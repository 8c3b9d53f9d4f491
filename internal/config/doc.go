// Package config loads the JSON configuration shared by enclaved and guardd
// and fills in defaults for anything left unset.
package config
