//go:build !unix

package shell

import "os/exec"

// configureProcess keeps the exec default of killing the direct child
func configureProcess(cmd *exec.Cmd) {}
