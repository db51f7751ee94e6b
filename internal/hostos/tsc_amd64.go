package hostos

func readTSC() uint64
