// Command redirects patches the kernel image so that calls to selected Go
// runtime functions land in kernel replacements. Replacements are annotated
// with a //go:redirect-from comment naming the runtime symbol they replace;
// the tool resolves both symbols in the ELF image and writes their addresses
// to the .goredirectstbl section, which the rt0 code walks at boot.
package main

import (
	"bufio"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const (
	directive    = "//go:redirect-from"
	tableSection = ".goredirectstbl"
)

type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

var rootDir string

var rootCmd = &cobra.Command{
	Use:          "redirects",
	Short:        "Maintain the runtime redirect table of the kernel image",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "Module root containing go.mod and the kernel/ tree")
	rootCmd.AddCommand(newCountCmd(), newPopulateCmd())
}

func newCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of redirect table entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			redirects, err := scan(rootDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d", len(redirects))
			return nil
		},
	}
}

func newPopulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "populate-table <kernel image>",
		Short: "Resolve the redirects and write them to the image",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			redirects, err := scan(rootDir)
			if err != nil {
				return err
			}
			return populate(redirects, args[0])
		},
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[redirects] error: %s\n", err)
		os.Exit(1)
	}
}

// scan collects the redirects declared by the non-test sources under
// root/kernel.
func scan(root string) ([]*redirect, error) {
	modPath, err := modulePath(filepath.Join(root, "go.mod"))
	if err != nil {
		return nil, err
	}

	kernelDir := filepath.Join(root, "kernel")
	goFiles, err := collectGoFiles(kernelDir)
	if err != nil {
		return nil, err
	}

	var redirects []*redirect
	for _, goFile := range goFiles {
		rel, err := filepath.Rel(root, filepath.Dir(goFile))
		if err != nil {
			return nil, errors.WithStack(err)
		}

		found, err := findRedirects(goFile, path.Join(modPath, filepath.ToSlash(rel)))
		if err != nil {
			return nil, err
		}
		redirects = append(redirects, found...)
	}
	return redirects, nil
}

// modulePath returns the module path declared by a go.mod file.
func modulePath(goMod string) (string, error) {
	f, err := os.Open(goMod)
	if err != nil {
		return "", errors.Wrap(err, "open go.mod")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "module" {
			return strings.Trim(fields[1], `"`), nil
		}
	}
	if err = scanner.Err(); err != nil {
		return "", errors.Wrap(err, "read go.mod")
	}
	return "", errors.Errorf("%s: missing module directive", goMod)
}

func collectGoFiles(root string) ([]string, error) {
	var goFiles []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if name := d.Name(); p != root && (name == "testdata" || strings.HasPrefix(name, "_")) {
				return filepath.SkipDir
			}
			return nil
		}

		if filepath.Ext(p) == ".go" && !strings.HasSuffix(p, "_test.go") {
			goFiles = append(goFiles, p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", root)
	}

	sort.Strings(goFiles)
	return goFiles, nil
}

// findRedirects returns the redirects declared in goFile, which belongs to
// package pkgPath.
func findRedirects(goFile, pkgPath string) ([]*redirect, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, goFile, nil, parser.ParseComments)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var redirects []*redirect
	for _, decl := range f.Decls {
		fnDecl, ok := decl.(*ast.FuncDecl)
		if !ok || fnDecl.Doc == nil {
			continue
		}

		for _, comment := range fnDecl.Doc.List {
			if !strings.HasPrefix(comment.Text, directive) {
				continue
			}

			fqName := pkgPath + "." + fnDecl.Name.Name
			fields := strings.Fields(comment.Text)
			if len(fields) != 2 || fields[0] != directive || fnDecl.Recv != nil {
				return nil, errors.Errorf("%s: malformed go:redirect-from syntax for %q",
					fset.Position(comment.Pos()), fqName)
			}

			redirects = append(redirects, &redirect{src: fields[1], dst: fqName})
		}
	}
	return redirects, nil
}

func populate(redirects []*redirect, imgFile string) error {
	img, err := elf.Open(imgFile)
	if err != nil {
		return errors.Wrapf(err, "open %s", imgFile)
	}

	section := img.Section(tableSection)
	symbols, symErr := img.Symbols()
	img.Close()

	switch {
	case section == nil:
		return errors.Errorf("%s: missing %s section", imgFile, tableSection)
	case symErr != nil:
		return errors.Wrapf(symErr, "%s: read symbols", imgFile)
	case uint64(len(redirects))*16 > section.Size:
		return errors.Errorf("%s: %d redirects do not fit in %s", imgFile, len(redirects), tableSection)
	}

	if err = resolveSymbols(redirects, symbols); err != nil {
		return errors.Wrap(err, imgFile)
	}

	f, err := os.OpenFile(imgFile, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s for writing", imgFile)
	}
	defer f.Close()

	return writeTable(f, int64(section.Offset), redirects)
}

// resolveSymbols fills in the addresses of both ends of every redirect.
func resolveSymbols(redirects []*redirect, symbols []elf.Symbol) error {
	addrs := make(map[string]uint64, len(symbols))
	for _, symbol := range symbols {
		addrs[symbol.Name] = symbol.Value
	}

	for _, r := range redirects {
		r.srcVMA, r.dstVMA = addrs[r.src], addrs[r.dst]
		switch {
		case r.srcVMA == 0:
			return errors.Errorf("could not locate address of %q", r.src)
		case r.dstVMA == 0:
			return errors.Errorf("could not locate address of %q", r.dst)
		}
	}
	return nil
}

// writeTable stores (src, dst) address pairs at offset.
func writeTable(w io.WriteSeeker, offset int64, redirects []*redirect) error {
	if _, err := w.Seek(offset, io.SeekStart); err != nil {
		return errors.WithStack(err)
	}

	for _, r := range redirects {
		if err := binary.Write(w, binary.LittleEndian, [2]uint64{r.srcVMA, r.dstVMA}); err != nil {
			return errors.Wrapf(err, "write redirect for %q", r.src)
		}
	}
	return nil
}
