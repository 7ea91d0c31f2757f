// Package setup owns host-level conventions: where kiln keeps its
// configuration and instance data, and verification that the host is
// prepared to run microVMs.
//
// This package is essentially a collection of constants and scripts, and is
// therefore the only package that is allowed to call a global logger.
package setup
