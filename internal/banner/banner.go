package banner

import (
	"fmt"
	"io"
)

const Version = "1.0.0"

func Print(w io.Writer) {
	banner := `
       _       _
      (_) ___ | |__   __ _ _   _  ___ _   _  ___
      | |/ _ \| '_ \ / _' | | | |/ _ \ | | |/ _ \
      | | (_) | |_) | (_| | |_| |  __/ |_| |  __/
     _/ |\___/|_.__/ \__, |\__,_|\___|\__,_|\___|
    |__/                |_|  v%s - Reliable Work Queues
    `
	fmt.Fprintf(w, banner, Version)
	fmt.Fprintln(w, "\n------------------------------------------------")
}
