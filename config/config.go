// Package config parses and validates the TOML run configuration named in
// spec §6. The schema is a set of tagged-union-shaped structs: each
// sub-section carries a Mode discriminant plus the fields relevant to that
// mode, mirroring how original_source/src/config.rs models the same
// serde(tag = "mode") enums.
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/grailbio/base/errors"
)

// Config is the top-level run configuration, unmarshaled directly from
// TOML via BurntSushi/toml (spec §6).
type Config struct {
	Input         Input          `toml:"input"`
	Filters       []FilterRule   `toml:"filter"`
	Dedup         Dedup          `toml:"dedup"`
	Strategy      Strategy       `toml:"strategy"`
	UMI           *UMI           `toml:"umi"`
	CellBarcodes  *CellBarcodes  `toml:"cell_barcodes"`
	Output        Output         `toml:"output"`
}

// Input describes the alignment file and how regions are sourced from it.
type Input struct {
	BAM                      string `toml:"bam"`
	CorrectReadsForClipping  bool   `toml:"correct_reads_for_clipping"`
	Source                   Source `toml:"source"`
	MaxSkipLength            int    `toml:"max_skip_length"`
}

// Source is the tagged union selecting how regions are derived: from an
// annotation file, from the BAM's own reference sequences, or from a
// per-read tag.
type Source struct {
	Mode           string `toml:"mode"` // gtf | bam_references | bam_tag
	AnnotationFile string `toml:"annotation_file"`
	FeatureType    string `toml:"feature_type"`
	IDAttribute    string `toml:"id_attribute"`
	Tag            string `toml:"tag"`
}

const (
	SourceGTF           = "gtf"
	SourceBAMReferences = "bam_references"
	SourceBAMTag        = "bam_tag"
)

// FilterRule is one stage of the filter pipeline (spec §4.6).
type FilterRule struct {
	Mode       string `toml:"mode"` // multimapper | non_primary | read1 | read2 | spliced | reference | n_in_umi
	Action     string `toml:"action"` // keep | remove
	References []string `toml:"references"`
	N          int    `toml:"n"`
}

const (
	FilterMultimapper = "multimapper"
	FilterNonPrimary  = "non_primary"
	FilterRead1       = "read1"
	FilterRead2       = "read2"
	FilterSpliced     = "spliced"
	FilterReference   = "reference"
	FilterNInUMI      = "n_in_umi"

	ActionKeep   = "keep"
	ActionRemove = "remove"
)

// Dedup configures the per-position deduplicator (C7).
type Dedup struct {
	Mode   string `toml:"mode"`   // none | umi | singlecell
	Bucket string `toml:"bucket"` // per_position | per_reference
}

const (
	DedupNone       = "none"
	DedupUMI        = "umi"
	DedupSingleCell = "singlecell"

	BucketPerPosition  = "per_position"
	BucketPerReference = "per_reference"
)

// Strategy configures the read-to-region matcher (C3).
type Strategy struct {
	Overlap     string `toml:"overlap"`      // union | intersection_strict | intersection_non_empty
	MultiRegion string `toml:"multi_region"` // drop | count_both
	Direction   string `toml:"direction"`    // forward | reverse | ignore
}

const (
	OverlapUnion                = "union"
	OverlapIntersectionStrict   = "intersection_strict"
	OverlapIntersectionNonEmpty = "intersection_non_empty"

	MultiRegionDrop      = "drop"
	MultiRegionCountBoth = "count_both"

	DirectionForward = "forward"
	DirectionReverse = "reverse"
	DirectionIgnore  = "ignore"
)

// UMI configures UMI extraction (C4), one of four modes.
type UMI struct {
	Mode         string `toml:"mode"` // regex_name | search_in_name | read_region | tag
	Pattern      string `toml:"pattern"`
	Literal      string `toml:"literal"`
	Skip         int    `toml:"skip"`
	Len          int    `toml:"len"`
	Start        int    `toml:"start"`
	Stop         int    `toml:"stop"`
	Tag          string `toml:"tag"`
}

const (
	UMIRegexName     = "regex_name"
	UMISearchInName  = "search_in_name"
	UMIReadRegion    = "read_region"
	UMITag           = "tag"
)

// CellBarcodes configures barcode extraction and correction (C5).
type CellBarcodes struct {
	Extract         UMI      `toml:"extract"`
	SeparatorChar   string   `toml:"separator_char"`
	MaxHamming      int      `toml:"max_hamming"`
	WhitelistFiles  []string `toml:"whitelist_files"`
}

// Output configures the aggregator/writer (C10).
type Output struct {
	Directory         string `toml:"directory"`
	WriteAnnotatedBAM bool   `toml:"write_annotated_bam"`
	OnlyCorrect       bool   `toml:"only_correct"`
}

// DefaultMaxSkipLength is spec §6's default for input.max_skip_length.
const DefaultMaxSkipLength = 150

// Parse decodes raw TOML bytes into a Config, applying spec §6's defaults
// for any field the TOML does not set (a value set explicitly, zero
// included, is kept; an empty output.directory becomes "."), then
// validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	cfg.Input.CorrectReadsForClipping = true
	cfg.Input.MaxSkipLength = DefaultMaxSkipLength
	cfg.Dedup.Bucket = BucketPerPosition
	cfg.Strategy.Overlap = OverlapUnion
	cfg.Strategy.MultiRegion = MultiRegionCountBoth
	cfg.Strategy.Direction = DirectionForward

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, errors.E(errors.Invalid, "config: parsing TOML", err)
	}
	if cfg.Output.Directory == "" {
		cfg.Output.Directory = "."
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces spec §6's structural and cross-field constraints.
// Errors are tagged errors.Invalid so the CLI layer can distinguish a bad
// configuration (exit 1, no file opened) from a runtime failure.
func (c *Config) Validate() error {
	if c.Input.BAM == "" {
		return errors.E(errors.Invalid, "config: input.bam must be non-empty")
	}
	switch c.Input.Source.Mode {
	case SourceGTF:
		if c.Input.Source.AnnotationFile == "" {
			return errors.E(errors.Invalid, "config: input.source.mode = gtf requires annotation_file")
		}
	case SourceBAMReferences, SourceBAMTag:
		// no additional required fields
	default:
		return errors.E(errors.Invalid, "config: input.source.mode must be one of gtf, bam_references, bam_tag, got", c.Input.Source.Mode)
	}
	if c.Input.MaxSkipLength <= 0 {
		return errors.E(errors.Invalid, "config: input.max_skip_length must be positive")
	}

	for i, f := range c.Filters {
		switch f.Mode {
		case FilterMultimapper, FilterNonPrimary, FilterRead1, FilterRead2, FilterSpliced, FilterReference, FilterNInUMI:
		default:
			return errors.E(errors.Invalid, "config: filter", i, "has unknown mode", f.Mode)
		}
		switch f.Action {
		case ActionKeep, ActionRemove:
		default:
			return errors.E(errors.Invalid, "config: filter", i, "has unknown action", f.Action)
		}
	}

	switch c.Dedup.Mode {
	case DedupNone, "":
	case DedupUMI:
		if c.UMI == nil {
			return errors.E(errors.Invalid, "config: dedup.mode = umi requires a [umi] section")
		}
	case DedupSingleCell:
		if c.UMI == nil {
			return errors.E(errors.Invalid, "config: dedup.mode = singlecell requires a [umi] section")
		}
		if c.CellBarcodes == nil {
			return errors.E(errors.Invalid, "config: dedup.mode = singlecell requires a [cell_barcodes] section")
		}
	default:
		return errors.E(errors.Invalid, "config: dedup.mode must be one of none, umi, singlecell, got", c.Dedup.Mode)
	}
	switch c.Dedup.Bucket {
	case BucketPerPosition, BucketPerReference, "":
	default:
		return errors.E(errors.Invalid, "config: dedup.bucket must be per_position or per_reference, got", c.Dedup.Bucket)
	}

	switch c.Strategy.Overlap {
	case OverlapUnion, OverlapIntersectionStrict, OverlapIntersectionNonEmpty, "":
	default:
		return errors.E(errors.Invalid, "config: strategy.overlap has unknown value", c.Strategy.Overlap)
	}
	switch c.Strategy.MultiRegion {
	case MultiRegionDrop, MultiRegionCountBoth, "":
	default:
		return errors.E(errors.Invalid, "config: strategy.multi_region has unknown value", c.Strategy.MultiRegion)
	}
	switch c.Strategy.Direction {
	case DirectionForward, DirectionReverse, DirectionIgnore, "":
	default:
		return errors.E(errors.Invalid, "config: strategy.direction has unknown value", c.Strategy.Direction)
	}

	if c.CellBarcodes != nil {
		if len(c.CellBarcodes.SeparatorChar) > 1 {
			return errors.E(errors.Invalid, "config: cell_barcodes.separator_char must be a single byte")
		}
		if c.CellBarcodes.MaxHamming < 0 {
			return errors.E(errors.Invalid, "config: cell_barcodes.max_hamming must be >= 0")
		}
	}

	return nil
}
