// Package runner wires the ambient collaborators (config, gtf, bamio,
// region, chunk, worker, output) into the end-to-end run described by spec
// §5: load and validate configuration, build the region index and chunk
// list, dispatch one worker per chunk under bounded parallelism, and write
// the final counts/matrix/annotated-BAM artifacts.
//
// Grounded on pileup/snp/pileup.go's overall shape (open input, build a
// per-job plan, traverse.Each over jobs, merge results, write output), with
// the per-job temp-file staging replaced by output.Accumulator's single
// shared mutex per spec §5's explicit divergence (recorded in DESIGN.md).
package runner

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/hts/sam"

	"github.com/tyberius-labs/bamquant/bamio"
	"github.com/tyberius-labs/bamquant/barcode"
	"github.com/tyberius-labs/bamquant/chunk"
	"github.com/tyberius-labs/bamquant/config"
	"github.com/tyberius-labs/bamquant/dedup"
	"github.com/tyberius-labs/bamquant/extract"
	"github.com/tyberius-labs/bamquant/filter"
	"github.com/tyberius-labs/bamquant/gtf"
	"github.com/tyberius-labs/bamquant/output"
	"github.com/tyberius-labs/bamquant/region"
	"github.com/tyberius-labs/bamquant/worker"
)

// Run executes one end-to-end quantification pass per cfg. It is the body
// behind cmd/bamquant's single positional argument.
func Run(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Output.Directory, 0o755); err != nil {
		return errors.E(errors.Fatal, "runner: creating output directory", cfg.Output.Directory, err)
	}

	indexPath := cfg.Input.BAM + ".bai"
	provider, err := bamio.Open(cfg.Input.BAM, indexPath)
	if err != nil {
		return errors.E(errors.NotExist, cfg.Input.BAM, err)
	}

	regionsByRef, featureOrder, idAttribute, err := loadRegions(cfg, provider.References())
	if err != nil {
		return err
	}

	variant := region.Unmerged
	idx := region.Build(regionsByRef, variant)
	mergedIdx := idx
	if cfg.Input.Source.Mode == config.SourceGTF {
		mergedIdx = region.Build(regionsByRef, region.Merged)
	}

	_, _, referenceFilters, err := buildFilters(cfg.Filters)
	if err != nil {
		return err
	}
	refs := applyReferenceFilters(referenceInfos(provider, cfg), referenceFilters)
	chunkSize := chunk.DefaultChunkSize
	if cfg.Input.Source.Mode == config.SourceBAMTag {
		// The tag matcher has no per-position region structure to bucket by;
		// chunking still has to degrade to one chunk covering each
		// reference's full length, or dedup.bucket=per_reference would key
		// by a chunk's stop instead of by the reference itself (spec §4.3).
		chunkSize = maxReferenceLength(refs) + 1
	}
	chunks, err := chunk.Generate(refs, chunkSize, mergedIdx)
	if err != nil {
		return errors.E(errors.Invalid, "runner: generating chunks", err)
	}
	if err := chunk.Validate(chunks, referenceLengths(refs)); err != nil {
		return errors.E(errors.Invalid, "runner: validating chunks", err)
	}

	template, err := buildPipelineTemplate(cfg)
	if err != nil {
		return err
	}

	acc := output.NewAccumulator()
	shardDir := ""
	var shardPaths []string
	if cfg.Output.WriteAnnotatedBAM {
		shardDir, err = os.MkdirTemp("", "bamquant-shards-")
		if err != nil {
			return errors.E(errors.Fatal, "runner: creating shard staging dir", err)
		}
		shardPaths = make([]string, len(chunks))
	}

	// isFirstChunk[i] is true iff chunks[i] is the first (lowest-start)
	// chunk generated for its reference. chunk.Generate emits a
	// reference's chunks consecutively in ascending start order, so a
	// single forward scan over the already-built slice determines this
	// without any shared mutable state visible to the concurrent dispatch
	// below (spec §4.9's "isFirstChunkOfReference" is a property of the
	// chunk plan, not something workers should race to discover).
	isFirstChunk := make([]bool, len(chunks))
	seenRef := make(map[string]bool, len(refs))
	for i, c := range chunks {
		if !seenRef[c.Reference] {
			isFirstChunk[i] = true
			seenRef[c.Reference] = true
		}
	}

	parallelism := runtime.GOMAXPROCS(0)
	log.Printf("runner: dispatching %d chunks across %d workers", len(chunks), parallelism)

	err = traverse.Each(len(chunks), func(i int) error {
		c := chunks[i]
		p := template // copy: Pipeline has no mutable shared state beyond pointers already safe for concurrent read
		p.ReferenceName = c.Reference

		ref := provider.Header().Refs()[c.ReferenceID]
		it, err := provider.NewIterator(ref, c.Start, c.Stop+p.MaxSkipLength)
		if err != nil {
			return errors.E(errors.Fatal, "runner: opening iterator for chunk", c.ID(), err)
		}
		defer it.Close()

		isFirst := isFirstChunk[i]
		var ri *region.ReferenceIndex
		if idx != nil {
			ri = idx[c.Reference]
		}

		result, err := p.Run(c, isFirst, ri, worker.NewSource(it, p.MaxSkipLength))
		if err != nil {
			return errors.E(errors.Invalid, "runner: processing chunk", c.ID(), err)
		}
		if err := it.Err(); err != nil {
			return errors.E(errors.Invalid, "runner: reading chunk", c.ID(), err)
		}

		acc.Merge(result)

		if cfg.Output.WriteAnnotatedBAM {
			shardPath := filepath.Join(shardDir, c.ID()+".bam")
			if err := output.WriteAnnotatedShard(shardPath, provider.Header(), result.Annotated); err != nil {
				return errors.E(errors.Fatal, "runner: writing shard for chunk", c.ID(), err)
			}
			shardPaths[i] = shardPath
		}

		log.Printf("runner: chunk %s done (correct=%d duplicate=%d)", c.ID(), result.Stats[worker.StatCorrect], result.Stats[worker.StatDuplicate])
		return nil
	})
	if err != nil {
		return errors.E(errors.Fatal, "runner: one or more chunks failed", err)
	}

	if cfg.Output.WriteAnnotatedBAM {
		outBAM := filepath.Join(cfg.Output.Directory, "annotated.bam")
		orderedShards := make([]string, 0, len(shardPaths))
		for _, p := range shardPaths {
			if p != "" {
				orderedShards = append(orderedShards, p)
			}
		}
		if err := output.ConcatenateShards(outBAM, provider.Header(), orderedShards); err != nil {
			return errors.E(errors.Fatal, "runner: concatenating annotated shards", err)
		}
	}

	onlyCorrect := cfg.Output.OnlyCorrect || cfg.Strategy.Direction == config.DirectionIgnore
	if err := output.WriteCounts(cfg.Output.Directory, idAttribute, acc.RegionCounts(), acc.Stats(), featureOrder, onlyCorrect); err != nil {
		return errors.E(errors.Fatal, "runner: writing counts", err)
	}
	if cfg.Dedup.Mode == config.DedupSingleCell {
		if err := output.WriteMatrixMarket(cfg.Output.Directory, acc.SingleCell(), featureOrder, acc.Barcodes()); err != nil {
			return errors.E(errors.Fatal, "runner: writing single-cell matrix", err)
		}
	}

	return nil
}

func referenceInfos(provider *bamio.Provider, cfg *config.Config) []chunk.ReferenceInfo {
	refs := provider.References()
	out := make([]chunk.ReferenceInfo, len(refs))
	for i, r := range refs {
		out[i] = chunk.ReferenceInfo{Name: r.Name(), ID: i, Length: r.Len(), HasAligned: provider.HasAlignedReads(r)}
	}
	return out
}

// applyReferenceFilters drops references any configured filter.ReferenceSet
// rule removes (spec §4.1/§4.6: reference filters act once, at chunking
// time, not per read).
func applyReferenceFilters(refs []chunk.ReferenceInfo, referenceFilters []filter.ReferenceSet) []chunk.ReferenceInfo {
	if len(referenceFilters) == 0 {
		return refs
	}
	out := refs[:0]
	for _, r := range refs {
		removed := false
		for _, rf := range referenceFilters {
			if rf.RemoveReference(r.Name) {
				removed = true
				break
			}
		}
		if !removed {
			out = append(out, r)
		}
	}
	return out
}

// maxReferenceLength returns the longest reference's length, or 0 if refs is
// empty; chunk.Generate treats a non-positive chunkSize as its own default,
// so callers that need "no splitting" must add at least 1.
func maxReferenceLength(refs []chunk.ReferenceInfo) int {
	max := 0
	for _, r := range refs {
		if r.Length > max {
			max = r.Length
		}
	}
	return max
}

func referenceLengths(refs []chunk.ReferenceInfo) map[string]int {
	out := make(map[string]int, len(refs))
	for _, r := range refs {
		out[r.Name] = r.Length
	}
	return out
}

// loadRegions derives the per-reference region set, the feature order
// (for gtf: the identifiers found on refs, sorted lexicographically; for
// bam_references: header reference order; for bam_tag: nil), and the
// output identifier column name, from cfg.Input.Source (spec §4.1/§4.11).
func loadRegions(cfg *config.Config, refs []*sam.Reference) (byRef map[string][]region.Region, featureOrder []string, idAttribute string, err error) {
	switch cfg.Input.Source.Mode {
	case config.SourceGTF:
		f, err := os.Open(cfg.Input.Source.AnnotationFile)
		if err != nil {
			return nil, nil, "", errors.E(errors.NotExist, cfg.Input.Source.AnnotationFile, err)
		}
		defer f.Close()

		featureType := cfg.Input.Source.FeatureType
		idAttr := cfg.Input.Source.IDAttribute
		if idAttr == "" {
			idAttr = "gene_id"
		}
		accepted := map[string]bool{featureType: true}
		acceptedAttrs := map[string]bool{idAttr: true}

		byRef, err := gtf.Parse(f, accepted, acceptedAttrs, idAttr, gtf.Collapse)
		if err != nil {
			return nil, nil, "", errors.E(errors.Invalid, "runner: parsing annotation file", cfg.Input.Source.AnnotationFile, err)
		}

		seen := make(map[string]bool)
		var order []string
		for _, ref := range refs {
			for _, rg := range byRef[ref.Name()] {
				if !seen[rg.ID] {
					seen[rg.ID] = true
					order = append(order, rg.ID)
				}
			}
		}
		sort.Strings(order)
		return byRef, order, idAttr, nil

	case config.SourceBAMReferences:
		byRef := make(map[string][]region.Region, len(refs))
		order := make([]string, 0, len(refs))
		for _, ref := range refs {
			byRef[ref.Name()] = []region.Region{{ID: ref.Name(), Start: 0, End: ref.Len(), Strand: region.Unstranded, Reference: ref.Name()}}
			order = append(order, ref.Name())
		}
		return byRef, order, "reference", nil

	case config.SourceBAMTag:
		// No static region universe: identifiers come from the tag values
		// observed at runtime, so both the index and the feature order are
		// left nil/empty (output falls back to sorted-lexicographic rows).
		return nil, nil, "tag", nil

	default:
		return nil, nil, "", errors.E(errors.Invalid, "runner: unknown input.source.mode", cfg.Input.Source.Mode)
	}
}

// buildPipelineTemplate translates cfg's filter/dedup/strategy/umi/
// cell_barcodes sections into a worker.Pipeline, shared read-only across
// every chunk's goroutine (each Run call only reads its fields).
func buildPipelineTemplate(cfg *config.Config) (worker.Pipeline, error) {
	p := worker.Pipeline{
		MaxSkipLength:      cfg.Input.MaxSkipLength,
		CorrectForClipping: cfg.Input.CorrectReadsForClipping,
		WriteAnnotated:     cfg.Output.WriteAnnotatedBAM,
	}

	switch cfg.Input.Source.Mode {
	case config.SourceGTF:
		direction, err := parseDirection(cfg.Strategy.Direction)
		if err != nil {
			return p, err
		}
		overlap, err := parseOverlap(cfg.Strategy.Overlap)
		if err != nil {
			return p, err
		}
		multi, err := parseMultiRegion(cfg.Strategy.MultiRegion)
		if err != nil {
			return p, err
		}
		p.Matcher = worker.Matchers{
			Kind:         worker.MatcherIntervalTree,
			IntervalTree: region.IntervalTreeMatcher{Direction: direction, Overlap: overlap, MultiRegion: multi},
		}
	case config.SourceBAMReferences:
		direction, err := parseDirection(cfg.Strategy.Direction)
		if err != nil {
			return p, err
		}
		p.Matcher = worker.Matchers{Kind: worker.MatcherWholeReference, WholeReference: region.WholeReferenceMatcher{Direction: direction}}
	case config.SourceBAMTag:
		direction, err := parseDirection(cfg.Strategy.Direction)
		if err != nil {
			return p, err
		}
		var tagName [2]byte
		copy(tagName[:], cfg.Input.Source.Tag)
		p.Matcher = worker.Matchers{Kind: worker.MatcherTag, TagName: tagName, Tag: region.TagMatcher{Direction: direction}}
	}

	filters, postAnnotation, _, err := buildFilters(cfg.Filters)
	if err != nil {
		return p, err
	}
	p.Filters = filters
	p.PostAnnotation = postAnnotation

	if cfg.UMI != nil {
		extractor, err := buildExtractor(*cfg.UMI)
		if err != nil {
			return p, err
		}
		p.UMIExtractor = extractor
	}
	if cfg.CellBarcodes != nil {
		extractor, err := buildExtractor(cfg.CellBarcodes.Extract)
		if err != nil {
			return p, err
		}
		p.BarcodeExtractor = extractor

		var sep byte = '_'
		if len(cfg.CellBarcodes.SeparatorChar) == 1 {
			sep = cfg.CellBarcodes.SeparatorChar[0]
		}
		lists, err := loadWhitelists(cfg.CellBarcodes.WhitelistFiles)
		if err != nil {
			return p, err
		}
		p.BarcodeCorrector = &barcode.Corrector{Separator: sep, MaxHamming: cfg.CellBarcodes.MaxHamming, Whitelists: lists}
	}

	switch cfg.Dedup.Mode {
	case config.DedupUMI:
		p.DedupMode = dedup.ModeUMI
	case config.DedupSingleCell:
		p.DedupMode = dedup.ModeSingleCell
	default:
		p.DedupMode = dedup.ModeNone
	}
	if cfg.Dedup.Bucket == config.BucketPerReference {
		p.DedupBucket = dedup.BucketPerReference
	} else {
		p.DedupBucket = dedup.BucketPerPosition
	}

	return p, nil
}

func parseDirection(mode string) (region.Direction, error) {
	switch mode {
	case config.DirectionReverse:
		return region.DirectionReverse, nil
	case config.DirectionIgnore:
		return region.DirectionIgnore, nil
	case config.DirectionForward, "":
		return region.DirectionForward, nil
	default:
		return 0, errors.E(errors.Invalid, "runner: unknown strategy.direction", mode)
	}
}

func parseOverlap(mode string) (region.OverlapPolicy, error) {
	switch mode {
	case config.OverlapIntersectionStrict:
		return region.OverlapIntersectionStrict, nil
	case config.OverlapIntersectionNonEmpty:
		return region.OverlapIntersectionNonEmpty, nil
	case config.OverlapUnion, "":
		return region.OverlapUnion, nil
	default:
		return 0, errors.E(errors.Invalid, "runner: unknown strategy.overlap", mode)
	}
}

func parseMultiRegion(mode string) (region.MultiRegionPolicy, error) {
	switch mode {
	case config.MultiRegionDrop:
		return region.MultiRegionDrop, nil
	case config.MultiRegionCountBoth, "":
		return region.MultiRegionCountBoth, nil
	default:
		return 0, errors.E(errors.Invalid, "runner: unknown strategy.multi_region", mode)
	}
}

func buildExtractor(u config.UMI) (extract.Extractor, error) {
	switch u.Mode {
	case config.UMIRegexName:
		re, err := regexp.Compile(u.Pattern)
		if err != nil {
			return nil, errors.E(errors.Invalid, "runner: compiling umi.pattern", u.Pattern, err)
		}
		return extract.RegexName{Pattern: re}, nil
	case config.UMISearchInName:
		return extract.LiteralInName{Literal: u.Literal, Skip: u.Skip, Len: u.Len}, nil
	case config.UMIReadRegion:
		return extract.NewReadRegion(u.Start, u.Stop)
	case config.UMITag:
		var name [2]byte
		copy(name[:], u.Tag)
		return extract.Tag{Name: name}, nil
	default:
		return nil, errors.E(errors.Invalid, "runner: unknown umi.mode", u.Mode)
	}
}

// buildFilters splits cfg.Filters into the three shapes the rest of the
// pipeline expects: per-read predicates (filter.Pipeline), the
// post-annotation NInUMI predicate (cannot live in the pipeline — see
// filter.NInUMI's doc comment), and reference-level rules (applied once
// against the reference list at chunking time, not per read, per
// filter.ReferenceSet's doc comment).
func buildFilters(rules []config.FilterRule) (*filter.Pipeline, *filter.NInUMI, []filter.ReferenceSet, error) {
	pipeline := &filter.Pipeline{}
	var postAnnotation *filter.NInUMI
	var referenceFilters []filter.ReferenceSet
	for i, r := range rules {
		action := filter.Keep
		if r.Action == config.ActionRemove {
			action = filter.Remove
		}
		switch r.Mode {
		case config.FilterMultimapper:
			pipeline.Filters = append(pipeline.Filters, filter.MultiMapper{Action: action})
		case config.FilterNonPrimary:
			pipeline.Filters = append(pipeline.Filters, filter.NonPrimary{Action: action})
		case config.FilterRead1:
			pipeline.Filters = append(pipeline.Filters, filter.Read1{Action: action})
		case config.FilterRead2:
			pipeline.Filters = append(pipeline.Filters, filter.Read2{Action: action})
		case config.FilterSpliced:
			pipeline.Filters = append(pipeline.Filters, filter.Spliced{Action: action})
		case config.FilterReference:
			refs := make(map[string]bool, len(r.References))
			for _, name := range r.References {
				refs[name] = true
			}
			referenceFilters = append(referenceFilters, filter.ReferenceSet{Action: action, References: refs})
		case config.FilterNInUMI:
			f := filter.NInUMI{Action: action}
			postAnnotation = &f
		default:
			return nil, nil, nil, errors.E(errors.Invalid, "runner: filter", i, "has unknown mode", r.Mode)
		}
	}
	return pipeline, postAnnotation, referenceFilters, nil
}

func loadWhitelists(paths []string) ([]barcode.Whitelist, error) {
	out := make([]barcode.Whitelist, len(paths))
	for i, path := range paths {
		wl, err := loadWhitelistFile(path)
		if err != nil {
			return nil, errors.E(errors.NotExist, path, err)
		}
		out[i] = wl
	}
	return out, nil
}

func loadWhitelistFile(path string) (barcode.Whitelist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var wl barcode.Whitelist
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			if len(line) > 0 {
				cp := make([]byte, len(line))
				copy(cp, line)
				wl = append(wl, cp)
			}
			start = i + 1
		}
	}
	return wl, nil
}
