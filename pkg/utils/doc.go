// Package utils holds request helpers shared by the HTTP handlers:
// body decoding, struct validation with go-playground/validator, and
// parsing of UUID and integer parameters into structured errors.
package utils
