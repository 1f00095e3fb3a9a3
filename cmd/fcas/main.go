/*
Package main of the fcas assembler command
*/
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/forwardcom/fctools/asm"
	"github.com/forwardcom/fctools/instr"
	"github.com/forwardcom/fctools/isa"
)

func loadCatalog(csvPath string) (*instr.Table, error) {
	if csvPath == "" {
		instrs, _ := isa.Default()
		return instrs, nil
	}
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	table := instr.NewTable()
	if err := table.Load(f); err != nil {
		return nil, err
	}
	return table, nil
}

func main() {
	outPtr := flag.String("o", "a.fco", "Output object file.")
	tablePtr := flag.String("table", "", "Instruction table CSV, overriding the built-in catalog.")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println("No source file specified")
		os.Exit(1)
	}

	instrs, err := loadCatalog(*tablePtr)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	_, fmts := isa.Default()

	s := asm.NewSession(instrs, fmts)
	for _, path := range args {
		src, err := os.ReadFile(path)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		s.AssembleFile(path, string(src))
	}

	s.Link()

	if s.Diag.ErrorCount() > 0 || s.Diag.Overflowed() > 0 {
		s.Diag.Print(os.Stderr)
	}
	if s.Diag.HasErrors() {
		os.Exit(2)
	}

	out, err := os.Create(*outPtr)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer out.Close()

	if err := s.Emit(out); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
