package config

import (
	"github.com/me/rnapipe/internal/artifact"
	"github.com/me/rnapipe/internal/metadata"
	"github.com/me/rnapipe/internal/stage"
)

// Stage names, in execution order.
const (
	StageTrim  = "trim"
	StageQC    = "quality-report"
	StageAlign = "align"
	StageCount = "count"
	StageQuant = "quant"
)

// StageOrder lists every stage the orchestrator drives.
var StageOrder = []string{StageTrim, StageQC, StageAlign, StageCount, StageQuant}

var stageScopes = map[string]stage.Scope{
	StageTrim:  stage.ScopeSample,
	StageQC:    stage.ScopeSample,
	StageAlign: stage.ScopeSample,
	StageCount: stage.ScopeAll,
	StageQuant: stage.ScopeSample,
}

// DefaultStages returns the built-in command definitions.
//
// Inputs available to each stage:
//
//	trim            ${in.r1} ${in.r2}  raw reads
//	quality-report  ${in.r1} ${in.r2}  trimmed reads
//	align           ${in.r1} ${in.r2}  trimmed reads
//	count           ${in.bam}          every sample's alignment
//	quant           ${in.bam}          this sample's alignment
func DefaultStages() map[string]*stage.Spec {
	return map[string]*stage.Spec{
		StageTrim: {
			Name:  StageTrim,
			Scope: stage.ScopeSample,
			Commands: [][]stage.Arg{
				stage.Cmd("trim_galore", "--paired", "--gzip", "-j", "${threads}",
					"--basename", "${sample}", "-o", "${workdir}", "${in.r1}", "${in.r2}"),
			},
			Outputs: []stage.Output{
				{Role: "r1", Glob: "*_val_1.fq.gz", Name: "${sample}_R1.trimmed.fq.gz", Format: artifact.FormatGzip},
				{Role: "r2", Glob: "*_val_2.fq.gz", Name: "${sample}_R2.trimmed.fq.gz", Format: artifact.FormatGzip},
			},
		},
		StageQC: {
			Name:       StageQC,
			Scope:      stage.ScopeSample,
			Diagnostic: true,
			Commands: [][]stage.Arg{
				stage.Cmd("fastqc", "-t", "${threads}", "-o", "${workdir}", "${in.r1}", "${in.r2}"),
			},
			Outputs: []stage.Output{
				{Role: "r1-zip", Glob: "*_R1.trimmed_fastqc.zip", Name: "${sample}_R1_fastqc.zip", Format: artifact.FormatZip},
				{Role: "r1-html", Glob: "*_R1.trimmed_fastqc.html", Name: "${sample}_R1_fastqc.html", Format: artifact.FormatNonEmpty},
				{Role: "r2-zip", Glob: "*_R2.trimmed_fastqc.zip", Name: "${sample}_R2_fastqc.zip", Format: artifact.FormatZip},
				{Role: "r2-html", Glob: "*_R2.trimmed_fastqc.html", Name: "${sample}_R2_fastqc.html", Format: artifact.FormatNonEmpty},
			},
		},
		StageAlign: {
			Name:  StageAlign,
			Scope: stage.ScopeSample,
			Commands: [][]stage.Arg{
				{
					stage.Lit("hisat2"), stage.Lit("-p"), stage.Lit("${threads}"), stage.Lit("-x"), stage.Lit("${index}"),
					stage.ParamFlag("--rna-strandness", metadata.ParamAlignOrientation),
					stage.Lit("-1"), stage.Lit("${in.r1}"), stage.Lit("-2"), stage.Lit("${in.r2}"),
				},
				stage.Cmd("samtools", "view", "-@", "${threads}", "-b", "-"),
				stage.Cmd("samtools", "sort", "-@", "${threads}", "-o", "aligned.bam", "-"),
			},
			Outputs: []stage.Output{
				{Role: "bam", Glob: "aligned.bam", Name: "${sample}.bam", Format: artifact.FormatBAM},
			},
		},
		StageCount: {
			Name:  StageCount,
			Scope: stage.ScopeAll,
			Commands: [][]stage.Arg{
				{
					stage.Lit("featureCounts"), stage.Lit("-T"), stage.Lit("${threads}"), stage.Lit("-p"),
					stage.ParamFlag("-s", metadata.ParamCountMode),
					stage.Lit("-a"), stage.Lit("${annotation}"), stage.Lit("-o"), stage.Lit("counts.txt"),
					stage.Lit("${in.bam}"),
				},
			},
			Outputs: []stage.Output{
				{Role: "summary", Glob: "counts.txt.summary", Name: "counts.txt.summary", Format: artifact.FormatNonEmpty},
				{Role: "counts", Glob: "counts.txt", Name: "counts.txt", Format: artifact.FormatNonEmpty},
			},
		},
		StageQuant: {
			Name:  StageQuant,
			Scope: stage.ScopeSample,
			Commands: [][]stage.Arg{
				{
					stage.Lit("htseq-count"), stage.Lit("-n"), stage.Lit("${threads}"),
					stage.Lit("-f"), stage.Lit("bam"), stage.Lit("-r"), stage.Lit("pos"),
					stage.ParamFlag("-s", metadata.ParamStrandLabel),
					stage.Lit("${in.bam}"), stage.Lit("${annotation}"),
				},
			},
			Stdout: "counts.tsv",
			Outputs: []stage.Output{
				{Role: "counts", Glob: "counts.tsv", Name: "${sample}.htseq.tsv", Format: artifact.FormatNonEmpty},
			},
		},
	}
}
