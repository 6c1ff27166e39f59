// Command maskrcnn molds images for a Mask R-CNN network and runs the
// post-processing stages on detector output.
package main

import (
	"os"

	"github.com/nvr-ai/go-maskrcnn/cmd/maskrcnn/cmd"
)

func main() {
	if err := cmd.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
