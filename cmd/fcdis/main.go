/*
Package main of the fcdis disassembler command
*/
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/forwardcom/fctools/disasm"
	"github.com/forwardcom/fctools/isa"
	"github.com/forwardcom/fctools/object"
	"github.com/forwardcom/fctools/strtab"
	"github.com/forwardcom/fctools/symtab"
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println("No object file specified")
		os.Exit(1)
	}

	f, err := os.Open(args[0])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer f.Close()

	syms := symtab.New(strtab.New())
	obj, err := object.Read(f, syms)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	instrs, fmts := isa.Default()
	d := disasm.New(instrs, fmts)

	for i, sec := range obj.Sections {
		if sec.Flags&object.SecExecute == 0 {
			continue
		}
		fmt.Printf("section %s\n", sec.Name)
		lines, err := d.Section(obj, i)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		fmt.Print(disasm.Text(lines))
	}

	if d.Diag.ErrorCount() > 0 || d.Diag.Overflowed() > 0 {
		d.Diag.Print(os.Stderr)
	}
}
