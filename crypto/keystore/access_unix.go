//go:build unix

package keystore

import "golang.org/x/sys/unix"

func dirWritable(path string) bool {
	return unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK) == nil
}

func deviceUsable(path string) bool {
	return unix.Access(path, unix.R_OK|unix.W_OK) == nil
}
