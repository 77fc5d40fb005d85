package util

import (
	"fmt"

	"github.com/hetianyi/gomft/common"
	"github.com/logrusorgru/aurora"
)

func PrintLogo() {
	fmt.Print(aurora.Cyan(`
   ____   ____    __  ___  ____  ______
  / ___\ / __ \  /  |/  / / __/ /_  __/   GoMFT::v` + common.VERSION + `
 / /_/\ / /_/ / / /|_/ / / _/    / /      Managed file transfer.
 \____/ \____/ /_/  /_/ /_/     /_/       github.com/hetianyi/gomft

`))
}
