/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/notargets/gofvm/InputParameters"
	"github.com/notargets/gofvm/solvers/scalartransport"
)

type SolveOptions struct {
	ICFile   string
	MeshFile string
	Ranks    int
	Mode     string
	Perf     bool
}

// SolveCmd represents the solve command
var SolveCmd = &cobra.Command{
	Use:   "solve",
	Short: "Solve the transport of a scalar described by a case file",
	Long: `
Solves ddt(T) + div(phi,T) - laplacian(gamma,T) == S for the scalar of a YAML
case file, serially or decomposed across ranks,

gofvm solve -I case.yml [-F mesh.su2] [-n ranks]`,
	Run: func(cmd *cobra.Command, args []string) {
		so := &SolveOptions{}
		so.ICFile, _ = cmd.Flags().GetString("inputConditionsFile")
		so.MeshFile, _ = cmd.Flags().GetString("meshFile")
		so.Ranks, _ = cmd.Flags().GetInt("ranks")
		so.Mode, _ = cmd.Flags().GetString("mode")
		so.Perf, _ = cmd.Flags().GetBool("perf")
		cp, err := processCase(so)
		exitOnError(err)
		exitOnError(RunSolve(so, cp))
	},
}

func init() {
	rootCmd.AddCommand(SolveCmd)
	SolveCmd.Flags().StringP("inputConditionsFile", "I", "", "YAML case file: time control, schemes, solver, fields and boundary conditions")
	SolveCmd.Flags().StringP("meshFile", "F", "", "mesh file (.su2), overrides the case's mesh")
	SolveCmd.Flags().IntP("ranks", "n", 0, "number of ranks, overrides the case's decomposition")
	SolveCmd.Flags().String("mode", "", "halo exchange mode: blocking, scheduled, nonBlocking")
	SolveCmd.Flags().Bool("perf", false, "count CPU instructions of the solve (linux perf events)")
}

func processCase(so *SolveOptions) (cp *InputParameters.CaseParameters, err error) {
	if len(so.ICFile) == 0 {
		exampleFile := `
########################################
Title: "Heated channel"
EndTime: 1
DeltaT: 0.01
Schemes:
  Div: upwind
Diffusivity: 0.01
Velocity: [1, 0, 0]
Mesh:
  File: channel.su2
Fields:
  T:
    Internal: 0
    Boundary:
      inlet: {type: fixedValue, params: {value: 1}}
      outlet: {type: zeroGradient}
      walls: {type: zeroGradient}
########################################
`
		fmt.Printf("Example File:%s\n", exampleFile)
		return nil, fmt.Errorf("must supply an input parameters file (-I, --inputConditionsFile)")
	}
	var data []byte
	if data, err = os.ReadFile(so.ICFile); err != nil {
		return
	}
	cp = &InputParameters.CaseParameters{}
	if err = cp.Parse(data); err != nil {
		return nil, fmt.Errorf("%s: %w", so.ICFile, err)
	}
	if so.MeshFile != "" {
		cp.Mesh.File = so.MeshFile
	}
	if so.Ranks > 0 {
		cp.Decomposition.Ranks = so.Ranks
	}
	if so.Mode != "" {
		cp.Decomposition.Mode = so.Mode
	}
	if err = cp.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", so.ICFile, err)
	}
	return
}

func RunSolve(so *SolveOptions, cp *InputParameters.CaseParameters) error {
	cp.Print()
	m, err := scalartransport.LoadMesh(cp, "")
	if err != nil {
		return err
	}
	if cp.Mesh.File != "" {
		fmt.Printf("Using mesh from file: [%s]\n", cp.Mesh.File)
	}
	m.PrintStatistics()
	tp, err := scalartransport.New(cp, m)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	defer startProfile()()
	return measure(so.Perf, func() error {
		_, err := tp.Run(ctx)
		return err
	})
}
