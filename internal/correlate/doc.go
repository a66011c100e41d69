// Package correlate tracks request ids crossing the editor boundary.
package correlate
