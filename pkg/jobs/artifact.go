package jobs

import (
	"strings"
	"time"
)

// ArtifactExtensions are the sibling files produced for one processed job.
var ArtifactExtensions = []string{".srt", ".txt", ".text"}

const (
	artifactTimeLayout = "2006-01-02_15-04-05"
	maxTitleRunes      = 50
)

// publishZone is the fixed UTC+8 zone publication timestamps are rendered in.
var publishZone = time.FixedZone("UTC+8", 8*60*60)

var titleReplacer = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_", "/", "_",
	`\`, "_", "|", "_", "?", "_", "*", "_",
)

// ArtifactStem returns the base name shared by a job's result files:
//
//	[<pubdate UTC+8>][<up_name>][<sanitized title>][<bvid>]
func ArtifactStem(j *Job) string {
	ts := time.Unix(j.Pubdate, 0).In(publishZone).Format(artifactTimeLayout)
	return "[" + ts + "][" + j.UpName + "][" + SanitizeTitle(j.Title) + "][" + j.BVID + "]"
}

// ArtifactNames returns the file names of every result artifact for j.
func ArtifactNames(j *Job) []string {
	stem := ArtifactStem(j)
	names := make([]string, len(ArtifactExtensions))
	for i, ext := range ArtifactExtensions {
		names[i] = stem + ext
	}
	return names
}

// SanitizeTitle replaces characters that are invalid in file names with '_'
// and truncates the result to 50 characters.
func SanitizeTitle(title string) string {
	s := titleReplacer.Replace(title)
	if r := []rune(s); len(r) > maxTitleRunes {
		s = string(r[:maxTitleRunes])
	}
	return s
}
