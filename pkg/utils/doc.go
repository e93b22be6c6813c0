// Package utils provides shared helpers for tempora: bounded concurrent
// execution, panic recovery, retry with exponential backoff, and small
// parsing helpers used by the HTTP and ingestion layers.
package utils
