package svm

import (
	"slices"

	"github.com/tinyrange/svm/internal/vmcb"
)

var MergeNested = (*VCPU).mergeNested

func (vc *VCPU) DeferEvent(ev vmcb.Event) { vc.deferEvent(ev) }

func (vc *VCPU) Deferred() []vmcb.Event { return slices.Clone(vc.deferred) }
