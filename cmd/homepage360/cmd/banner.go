package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _   _                                             _____  __    ___  
 | | | | ___  _ __ ___   ___ _ __   __ _  __ _  ___|___ / / /_  / _ \ 
 | |_| |/ _ \| '_ ` + "`" + ` _ \ / _ \ '_ \ / _` + "`" + ` |/ _` + "`" + ` |/ _ \ |_ \| '_ \| | | |
 |  _  | (_) | | | | | |  __/ |_) | (_| | (_| |  __/___) | (_) | |_| |
 |_| |_|\___/|_| |_| |_|\___| .__/ \__,_|\__, |\___|____/ \___/ \___/ 
                            |_|          |___/                        
`

func printBanner(w io.Writer, subtitle string) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  %s - Version %s\x1b[0m\n\n", subtitle, Version)
}
