package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// JobID matches the game's ClassJob row ids.
type JobID uint32

const (
	JobOther JobID = 0
	JobPLD   JobID = 19
	JobMNK   JobID = 20
	JobWAR   JobID = 21
	JobDRG   JobID = 22
	JobBRD   JobID = 23
	JobWHM   JobID = 24
	JobBLM   JobID = 25
	JobSMN   JobID = 27
	JobSCH   JobID = 28
	JobNIN   JobID = 30
	JobMCH   JobID = 31
	JobDRK   JobID = 32
	JobAST   JobID = 33
	JobSAM   JobID = 34
	JobRDM   JobID = 35
	JobBLU   JobID = 36
	JobGNB   JobID = 37
	JobDNC   JobID = 38
	JobRPR   JobID = 39
	JobSGE   JobID = 40
	JobVPR   JobID = 41
	JobPCT   JobID = 42
)

var jobNames = map[JobID]string{
	JobOther: "OTHER",
	JobPLD:   "PLD",
	JobMNK:   "MNK",
	JobWAR:   "WAR",
	JobDRG:   "DRG",
	JobBRD:   "BRD",
	JobWHM:   "WHM",
	JobBLM:   "BLM",
	JobSMN:   "SMN",
	JobSCH:   "SCH",
	JobNIN:   "NIN",
	JobMCH:   "MCH",
	JobDRK:   "DRK",
	JobAST:   "AST",
	JobSAM:   "SAM",
	JobRDM:   "RDM",
	JobBLU:   "BLU",
	JobGNB:   "GNB",
	JobDNC:   "DNC",
	JobRPR:   "RPR",
	JobSGE:   "SGE",
	JobVPR:   "VPR",
	JobPCT:   "PCT",
}

// ParseJob accepts a job abbreviation or its numeric row id. Unknown ids
// collapse to JobOther.
func ParseJob(s string) (JobID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return JobOther, nil
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		id := JobID(n)
		if _, ok := jobNames[id]; !ok {
			return JobOther, nil
		}
		return id, nil
	}
	for id, name := range jobNames {
		if strings.EqualFold(name, s) {
			return id, nil
		}
	}
	return JobOther, fmt.Errorf("unknown job %q", s)
}

func (j JobID) String() string {
	if name, ok := jobNames[j]; ok {
		return name
	}
	return jobNames[JobOther]
}

func (j JobID) MarshalText() ([]byte, error) {
	return []byte(j.String()), nil
}

func (j *JobID) UnmarshalText(text []byte) error {
	id, err := ParseJob(string(text))
	if err != nil {
		return err
	}
	*j = id
	return nil
}
