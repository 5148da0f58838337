//go:build windows

package process

import "os"

func alive(p *os.Process) bool {
	return p != nil
}
