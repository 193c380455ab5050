// Package log provides structured logging for remd built on zerolog.
package log
