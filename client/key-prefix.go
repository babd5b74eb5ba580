package client

/*
Returns the smallest key greater than all the keys starting with the prefix, for use as a range end.
The last byte below 0xff is incremented. A prefix made only of 0xff bytes is returned unchanged.
*/
func PrefixRangeEnd(prefix string) string {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i] = end[i] + 1
			return string(end)
		}
	}
	return prefix
}

func (cli *EtcdClient) GetPrefix(prefix string, opts RangeOptions) (KeyRangeInfo, error) {
	return cli.GetKeyRange(prefix, PrefixRangeEnd(prefix), opts)
}

func (cli *EtcdClient) DeletePrefix(prefix string) error {
	_, err := cli.DeleteKeyRange(prefix, PrefixRangeEnd(prefix), false)
	return err
}
