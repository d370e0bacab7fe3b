//go:build !unix

package keystore

import "os"

func dirWritable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func deviceUsable(path string) bool {
	return false
}
