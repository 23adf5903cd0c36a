// Package common holds what the commands share: the logger factory, the
// configuration and the construction of the configured store.
package common
