package search

import "github.com/example/go-pocket-asr/internal/mdef"

// wordTriphones resolves a pronunciation (CI phone ids) into the
// context-dependent phone ids the acoustic model was trained on.
// Interior phones take their pronunciation neighbors as left/right
// contexts; word boundaries assume a silence context. Lookups go
// through PhoneIDNearest so a model without a particular triphone
// backs off to a less specific phone and finally to the CI phone.
func wordTriphones(mdl *mdef.Model, phones []int) []int {
	sil := mdl.Sil
	pids := make([]int, len(phones))
	for i, ci := range phones {
		lc, rc := sil, sil
		if i > 0 {
			lc = phones[i-1]
		}
		if i+1 < len(phones) {
			rc = phones[i+1]
		}
		wpos := mdef.WPosInternal
		switch {
		case len(phones) == 1:
			wpos = mdef.WPosSingle
		case i == 0:
			wpos = mdef.WPosBegin
		case i == len(phones)-1:
			wpos = mdef.WPosEnd
		}
		pids[i] = mdl.PhoneIDNearest(ci, lc, rc, wpos)
	}
	return pids
}
