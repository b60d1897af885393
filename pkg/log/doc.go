// Package log provides structured logging for CyRIS built on zerolog.
//
// A single global logger is initialized once at startup; packages derive
// child loggers carrying component, range and guest fields so every line
// in a range creation can be correlated back to its source.
package log
